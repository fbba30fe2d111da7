package types

// PageImage is one rasterized page. Created by the rasterizer inside the
// request's temp directory, consumed by OCR, removed with the rest of the
// temp directory when the request finishes.
type PageImage struct {
	PageNumber int    // 1-based, document order
	Path       string // PNG file path
	DPI        int
}

// PageText is the raw OCR output for one page.
type PageText struct {
	PageNumber int    `json:"pageNumber"`
	Text       string `json:"text"`
}

// ExtractOptions are the caller-tunable knobs for a single request.
type ExtractOptions struct {
	DPI      int    `json:"dpi"`
	Language string `json:"lang"`
}

// DocumentResult is the outcome of the text pipeline (stages 1-4).
type DocumentResult struct {
	Text       string     `json:"text"`
	TotalPages int        `json:"totalPages"`
	Pages      []PageText `json:"pages"`
}

// ExtractionRecord is one structured budget line item. Numeric columns are
// kept as strings: they are validated, not interpreted, and empty means the
// model did not supply a usable value.
type ExtractionRecord struct {
	AppropriationCategory    string `json:"appropriation_category"`
	AppropriationCode        string `json:"appropriation_code"`
	AppropriationActivity    string `json:"appropriation_activity"`
	Branch                   string `json:"branch"`
	FiscalYearStart          string `json:"fiscal_year_start"`
	FiscalYearEnd            string `json:"fiscal_year_end"`
	BudgetActivityNumber     string `json:"budget_activity_number"`
	BudgetActivityTitle      string `json:"budget_activity_title"`
	PEM                      string `json:"pem"`
	BudgetTitle              string `json:"budget_title"`
	ProgramBaseCongressional string `json:"program_base_congressional"`
	ProgramBaseDoD           string `json:"program_base_dod"`
	ReprogrammingAmount      string `json:"reprogramming_amount"`
	RevisedProgramTotal      string `json:"revised_program_total"`
	Explanation              string `json:"explanation"`
}

// FieldNames returns the schema column names in output order. The order is
// fixed: it is the CSV/XLSX header and the order Row emits values in.
func FieldNames() []string {
	return []string{
		"appropriation_category",
		"appropriation_code",
		"appropriation_activity",
		"branch",
		"fiscal_year_start",
		"fiscal_year_end",
		"budget_activity_number",
		"budget_activity_title",
		"pem",
		"budget_title",
		"program_base_congressional",
		"program_base_dod",
		"reprogramming_amount",
		"revised_program_total",
		"explanation",
	}
}

// Row returns the record's values aligned with FieldNames.
func (r ExtractionRecord) Row() []string {
	return []string{
		r.AppropriationCategory,
		r.AppropriationCode,
		r.AppropriationActivity,
		r.Branch,
		r.FiscalYearStart,
		r.FiscalYearEnd,
		r.BudgetActivityNumber,
		r.BudgetActivityTitle,
		r.PEM,
		r.BudgetTitle,
		r.ProgramBaseCongressional,
		r.ProgramBaseDoD,
		r.ReprogrammingAmount,
		r.RevisedProgramTotal,
		r.Explanation,
	}
}
