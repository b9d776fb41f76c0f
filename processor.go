// processor.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	stageBase       = "generate-base"
	stageAdditional = "generate-additional"
)

var (
	enumerationPrefix = regexp.MustCompile(`^\s*\d+\s*[.)\-:]\s*`)
	leadingNumber     = regexp.MustCompile(`^(\d+)`)
)

// DatasetProcessor runs the base and additional generation stages
type DatasetProcessor struct {
	generator  *TextGenerator
	templates  Templates
	configPath string
	store      *TableStore
	progress   io.Writer
	logger     zerolog.Logger

	// warmup runs once per processor, after inputs are validated and before the first generation call
	warmup   func(context.Context) error
	warmedUp bool
}

// basePlan is everything the base stage needs before its first service call
type basePlan struct {
	categories []Category
	prompts    []Prompt
	impacts    ImpactTable
}

// NewDatasetProcessor creates a processor for one run. progress may be nil to disable the bar.
func NewDatasetProcessor(cfg Config, generator *TextGenerator, progress io.Writer) *DatasetProcessor {
	return &DatasetProcessor{
		generator:  generator,
		templates:  cfg.Templates,
		configPath: cfg.Path,
		store:      NewTableStore(),
		progress:   progress,
		logger:     log.With().Str("run_id", uuid.NewString()).Logger(),
	}
}

// SetWarmup registers a check run before the first generation call of either stage.
func (p *DatasetProcessor) SetWarmup(fn func(context.Context) error) {
	p.warmup = fn
}

func (p *DatasetProcessor) warmupOnce(ctx context.Context) error {
	if p.warmup == nil || p.warmedUp {
		return nil
	}
	if err := p.warmup(ctx); err != nil {
		return err
	}
	p.warmedUp = true
	return nil
}

// RunBase reads the few-shot table, generates the base dataset and writes it to outputPath.
// Nothing is written when generation fails.
func (p *DatasetProcessor) RunBase(ctx context.Context, fewShotPath, outputPath string, temperature float64) ([]GeneratedItem, error) {
	table, err := p.store.ReadTable(fewShotPath)
	if err != nil {
		return nil, fmt.Errorf("loading few-shot examples: %w", err)
	}
	examples, err := fewShotExamples(table)
	if err != nil {
		return nil, fmt.Errorf("loading few-shot examples from %s: %w", fewShotPath, err)
	}

	plan, err := p.prepareBase(examples)
	if err != nil {
		return nil, err
	}
	if err := p.warmupOnce(ctx); err != nil {
		return nil, err
	}
	items, err := p.generateBase(ctx, plan, temperature)
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("path", outputPath).Int("rows", len(items)).Msg("→ Saving base dataset")
	if err := p.store.WriteTable(outputPath, baseTable(items)); err != nil {
		return nil, fmt.Errorf("saving base dataset: %w", err)
	}
	p.logger.Info().Str("path", outputPath).Msg("✓ Base dataset saved")
	return items, nil
}

// RunAdditional reads a base dataset, expands every row into length variants and writes the result.
func (p *DatasetProcessor) RunAdditional(ctx context.Context, inputPath, outputPath string, temperature float64) ([]RewriteVariant, error) {
	table, err := p.store.ReadTable(inputPath)
	if err != nil {
		return nil, fmt.Errorf("loading source dataset: %w", err)
	}
	rows, err := sourceRows(table)
	if err != nil {
		return nil, fmt.Errorf("loading source dataset from %s: %w", inputPath, err)
	}

	if err := p.warmupOnce(ctx); err != nil {
		return nil, err
	}
	variants, err := p.GenerateAdditional(ctx, rows, temperature)
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("path", outputPath).Int("rows", len(variants)).Msg("→ Saving additional dataset")
	if err := p.store.WriteTable(outputPath, additionalTable(variants)); err != nil {
		return nil, fmt.Errorf("saving additional dataset: %w", err)
	}
	p.logger.Info().Str("path", outputPath).Msg("✓ Additional dataset saved")
	return variants, nil
}

// GenerateBase sends one prompt per category and polarity and collects the parsed items.
// Prompts are assembled before any call; any failed call aborts the stage.
func (p *DatasetProcessor) GenerateBase(ctx context.Context, examples []FewShotExample, temperature float64) ([]GeneratedItem, error) {
	plan, err := p.prepareBase(examples)
	if err != nil {
		return nil, err
	}
	if err := p.warmupOnce(ctx); err != nil {
		return nil, err
	}
	return p.generateBase(ctx, plan, temperature)
}

// prepareBase parses the taxonomy and renders every prompt without touching the service
func (p *DatasetProcessor) prepareBase(examples []FewShotExample) (*basePlan, error) {
	categories, err := ParseCategories(p.templates.Taxonomy)
	if err != nil {
		return nil, &ConfigError{Path: p.configPath, Err: fmt.Errorf("type_of_news_path: %w", err)}
	}
	prompts, err := BuildPrompts(categories, examples, p.templates.BaseSystem)
	if err != nil {
		return nil, fmt.Errorf("%s: building prompts: %w", stageBase, err)
	}

	if len(categories) != len(impactWeights) {
		p.logger.Warn().
			Int("categories", len(categories)).
			Int("weights", len(impactWeights)).
			Msg("Taxonomy and impact weights differ in length; unmatched categories get no impact")
	}
	return &basePlan{
		categories: categories,
		prompts:    prompts,
		impacts:    NewImpactTable(categories, impactWeights),
	}, nil
}

func (p *DatasetProcessor) generateBase(ctx context.Context, plan *basePlan, temperature float64) ([]GeneratedItem, error) {
	categories, prompts, impacts := plan.categories, plan.prompts, plan.impacts

	p.logger.Info().
		Int("categories", len(categories)).
		Int("prompts", len(prompts)).
		Msg("→ Generating base dataset")

	bar := newProgressTracker(p.progress, len(prompts))
	var items []GeneratedItem
	for _, prompt := range prompts {
		category, err := categoryForKey(prompt.Key, categories)
		if err != nil {
			return nil, fmt.Errorf("%s [%s]: %w", stageBase, prompt.Key, err)
		}

		user := renderUserPrompt(p.templates.User, category.Label)
		output, err := p.generator.Generate(ctx, prompt.System, user, temperature)
		if err != nil {
			return nil, &ServiceError{Stage: stageBase, Key: prompt.Key, Model: p.generator.Model(), Err: err}
		}

		lines := cleanGeneration(output)
		if len(lines) == 0 {
			p.logger.Warn().Str("key", prompt.Key).Msg("Response had no parseable lines")
		}

		newsType := strings.ReplaceAll(category.Label, neutralMarker, "")
		impact := impacts.Lookup(category.Label)
		for i, line := range lines {
			items = append(items, GeneratedItem{
				Type:   newsType,
				No:     i + 1,
				Text:   line,
				Impact: impact,
			})
		}

		p.logger.Debug().Str("key", prompt.Key).Int("items", len(lines)).Msg("Prompt completed")
		bar.Step()
	}
	bar.Done()

	p.logger.Info().Int("rows", len(items)).Msg("✓ Base generation completed")
	return items, nil
}

// GenerateAdditional emits, per source row, the original text followed by short, medium and long rewrites.
// A failed rewrite is recorded with a nil text; only cancellation stops the stage.
func (p *DatasetProcessor) GenerateAdditional(ctx context.Context, rows []SourceRow, temperature float64) ([]RewriteVariant, error) {
	p.logger.Info().Int("rows", len(rows)).Msg("→ Generating additional dataset")

	bar := newProgressTracker(p.progress, len(rows))
	variants := make([]RewriteVariant, 0, len(rows)*(1+len(lengthTargets)))
	failed := 0
	for r, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", stageAdditional, r, err)
		}

		original := row.Text
		variants = append(variants, RewriteVariant{
			No:          1,
			Text:        &original,
			IsSynthetic: 1,
			Impact:      row.Impact,
			NewsType:    row.Type,
		})

		user := renderUserPrompt(p.templates.User, row.Text)
		for i, target := range lengthTargets {
			no := i + 2
			system := renderRewritePrompt(p.templates.RewriteSystem, target)

			var text *string
			output, err := p.generator.Generate(ctx, system, user, temperature)
			if err != nil {
				failed++
				p.logger.Warn().Err(err).
					Int("row", r).
					Int("variant", no).
					Str("length", target.Name).
					Msg("Rewrite failed, recording null")
			} else {
				output = strings.TrimSpace(output)
				text = &output
			}

			variants = append(variants, RewriteVariant{
				No:          no,
				Text:        text,
				IsSynthetic: 0,
				Impact:      row.Impact,
				NewsType:    row.Type,
			})
		}
		bar.Step()
	}
	bar.Done()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", stageAdditional, err)
	}

	p.logger.Info().Int("rows", len(variants)).Int("failed", failed).Msg("✓ Additional generation completed")
	return variants, nil
}

// cleanGeneration splits a model response into items, dropping list numbering and blank lines
func cleanGeneration(output string) []string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\n\n", "\n")

	var lines []string
	for _, raw := range strings.Split(output, "\n") {
		if line := stripEnumerationPrefix(raw); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// stripEnumerationPrefix removes list numbering like "1. " or "2) "
func stripEnumerationPrefix(line string) string {
	return strings.TrimSpace(enumerationPrefix.ReplaceAllString(line, ""))
}

// extractNumber returns the leading integer of keys like "12_pos"
func extractNumber(key string) string {
	if m := leadingNumber.FindStringSubmatch(key); m != nil {
		return m[1]
	}
	return key
}

func categoryForKey(key string, categories []Category) (Category, error) {
	index, err := strconv.Atoi(extractNumber(key))
	if err != nil || index < 1 || index > len(categories) {
		return Category{}, fmt.Errorf("prompt key %q names no category", key)
	}
	return categories[index-1], nil
}

// fewShotExamples reads example text from the first column and the category index from the second
func fewShotExamples(table *Table) ([]FewShotExample, error) {
	if len(table.Columns) < 2 {
		return nil, errors.New("few-shot table needs a text column and a category column")
	}

	examples := make([]FewShotExample, 0, len(table.Rows))
	for r := range table.Rows {
		category, ok := parseCategoryIndex(table.Cell(r, 1))
		if !ok {
			log.Debug().Int("row", r).Str("category", table.Cell(r, 1)).Msg("Skipping few-shot row without category index")
			continue
		}
		examples = append(examples, FewShotExample{Category: category, Text: table.Cell(r, 0)})
	}
	return examples, nil
}

// parseCategoryIndex accepts "3" and spreadsheet-style "3.0"
func parseCategoryIndex(s string) (int, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// sourceRows maps the text, type and impact columns. Without a type column the news type is the 1-based row number.
func sourceRows(table *Table) ([]SourceRow, error) {
	textCol := table.ColumnIndex("text")
	if textCol < 0 {
		return nil, errors.New(`table has no "text" column`)
	}
	typeCol := table.ColumnIndex("type")
	impactCol := table.ColumnIndex("impact")

	rows := make([]SourceRow, 0, len(table.Rows))
	for r := range table.Rows {
		row := SourceRow{
			Text: table.Cell(r, textCol),
			Type: strconv.Itoa(r + 1),
		}
		if typeCol >= 0 {
			row.Type = table.Cell(r, typeCol)
		}
		if impactCol >= 0 {
			row.Impact = parseImpact(table.Cell(r, impactCol))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseImpact(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return nil
	}
	return &f
}

func baseTable(items []GeneratedItem) *Table {
	table := &Table{Columns: baseColumns, Rows: make([][]any, 0, len(items))}
	for _, item := range items {
		table.Rows = append(table.Rows, []any{item.Type, item.No, item.Text, floatCell(item.Impact)})
	}
	return table
}

func additionalTable(variants []RewriteVariant) *Table {
	table := &Table{Columns: additionalColumns, Rows: make([][]any, 0, len(variants))}
	for _, v := range variants {
		var text any
		if v.Text != nil {
			text = *v.Text
		}
		table.Rows = append(table.Rows, []any{v.No, text, v.IsSynthetic, floatCell(v.Impact), v.NewsType})
	}
	return table
}

func floatCell(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
