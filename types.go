package main

// neutralMarker prefixes taxonomy lines that get one unsplit prompt instead of a positive/negative pair.
const neutralMarker = "#"

// Category is one line of the news taxonomy
type Category struct {
	Index   int // 1-based position in the taxonomy
	Label   string
	Neutral bool
}

// FewShotExample is a sample text for a category, shown to the model before it generates
type FewShotExample struct {
	Category int
	Text     string
}

// Polarity selects the sentiment directive of a base prompt
type Polarity string

const (
	PolarityPositive Polarity = "pos"
	PolarityNegative Polarity = "neg"
	PolarityNone     Polarity = ""
)

// Prompt is a fully rendered system prompt for one category batch
type Prompt struct {
	Key      string
	Category Category
	Polarity Polarity
	System   string
}

// GeneratedItem is one row of the base dataset
type GeneratedItem struct {
	Type   string
	No     int
	Text   string
	Impact *float64
}

// SourceRow is one row read back for the additional-generation stage
type SourceRow struct {
	Text   string
	Type   string
	Impact *float64
}

// RewriteVariant is one row of the additional dataset. Text is nil when the rewrite failed.
type RewriteVariant struct {
	No          int
	Text        *string
	IsSynthetic int
	Impact      *float64
	NewsType    string
}

// LengthTarget is a qualitative length instruction passed to the rewrite template
type LengthTarget struct {
	Name   string
	Bounds string
}

// lengthTargets are emitted in this order as variants 2, 3 and 4.
var lengthTargets = []LengthTarget{
	{Name: "short", Bounds: "50-70"},
	{Name: "medium", Bounds: "80-110"},
	{Name: "long", Bounds: "120-150"},
}

// Output column contracts consumed downstream.
var (
	baseColumns       = []string{"type", "No", "text", "impact"}
	additionalColumns = []string{"No", "text", "is_synthetic", "impact", "news_type"}
)
