package extract

// Field describes one column of the fixed extraction schema. The description
// is written for the model, not for humans reading CSV headers.
type Field struct {
	Name        string
	Description string
	Numeric     bool
	Required    bool
}

// Schema returns the fixed reprogramming-action schema in column order.
func Schema() []Field {
	return []Field{
		{
			Name:        "appropriation_category",
			Description: "Appropriation title, e.g. \"Operation and Maintenance, Army\" or \"Aircraft Procurement, Navy\"",
			Required:    true,
		},
		{
			Name:        "appropriation_code",
			Description: "Treasury appropriation code for the line, e.g. \"2020A\"",
		},
		{
			Name:        "appropriation_activity",
			Description: "Appropriation activity or sub-activity name, if the line shows one",
		},
		{
			Name:        "branch",
			Description: "Military department or component: Army, Navy, Air Force, Marine Corps, Space Force, or Defense-Wide",
		},
		{
			Name:        "fiscal_year_start",
			Description: "First fiscal year of the appropriation's availability, as a 4-digit year",
			Numeric:     true,
		},
		{
			Name:        "fiscal_year_end",
			Description: "Last fiscal year of availability, as a 4-digit year; same as fiscal_year_start for one-year money",
			Numeric:     true,
		},
		{
			Name:        "budget_activity_number",
			Description: "Budget activity number as printed, e.g. \"01\"",
		},
		{
			Name:        "budget_activity_title",
			Description: "Budget activity title, e.g. \"Operating Forces\"",
		},
		{
			Name:        "pem",
			Description: "Program element number (PE/PEM) if the line shows one, e.g. \"0205219N\"",
		},
		{
			Name:        "budget_title",
			Description: "Line item or program title the amount applies to",
		},
		{
			Name:        "program_base_congressional",
			Description: "Program base reflecting congressional action, in thousands of dollars",
			Numeric:     true,
		},
		{
			Name:        "program_base_dod",
			Description: "Program base reflecting DoD action (program previously approved), in thousands of dollars",
			Numeric:     true,
		},
		{
			Name:        "reprogramming_amount",
			Description: "Reprogramming amount in thousands of dollars; negative for decreases, e.g. +118600 or -657584",
			Numeric:     true,
			Required:    true,
		},
		{
			Name:        "revised_program_total",
			Description: "Revised program total after the reprogramming action, in thousands of dollars",
			Numeric:     true,
		},
		{
			Name:        "explanation",
			Description: "Free-text justification or explanation for the reprogramming action",
		},
	}
}
