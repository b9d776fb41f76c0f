package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Template variables. Templates are validated for these when the config is loaded.
const (
	placeholderNumAndSign   = "{{.NumAndSign}}"
	placeholderNewsType     = "{{.NewsType}}"
	placeholderNews1        = "{{.News1}}"
	placeholderNews2        = "{{.News2}}"
	placeholderLengthBounds = "{{.LengthBounds}}"
	placeholderText         = "{{.Text}}"
)

var baseTemplatePlaceholders = []string{
	placeholderNumAndSign,
	placeholderNewsType,
	placeholderNews1,
	placeholderNews2,
}

const (
	directivePositive = "10 positive"
	directiveNegative = "10 negative"
	directiveNeutral  = "20"
)

// impactWeights is the assumed market significance of each taxonomy line, by position.
var impactWeights = []float64{
	1, 1, 1, 0.4, 0.8, 0.7, 0.4, 0.2, 0.8, 0.5,
	0.8, 1, 0.8, 0.4, 0.3, 0.6, 0.7, 0.5, 1, 0.2,
	0.6, 0.8, 0.8, 0.6, 1, 1, 0.8, 0.7, 0.4, 0.2,
	0.6,
}

// ParseCategories reads the taxonomy text, one category per line.
// A line starting with the neutral marker gets a single unsplit prompt.
func ParseCategories(taxonomy string) ([]Category, error) {
	taxonomy = strings.ReplaceAll(taxonomy, "\r\n", "\n")
	taxonomy = strings.TrimRight(taxonomy, "\n")
	if taxonomy == "" {
		return nil, fmt.Errorf("taxonomy is empty")
	}

	lines := strings.Split(taxonomy, "\n")
	categories := make([]Category, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimRight(line, " \t")
		neutral := strings.HasPrefix(line, neutralMarker)
		label := strings.TrimSpace(strings.TrimPrefix(line, neutralMarker))
		if label == "" {
			return nil, fmt.Errorf("taxonomy line %d is empty", i+1)
		}
		categories = append(categories, Category{Index: i + 1, Label: label, Neutral: neutral})
	}
	return categories, nil
}

// BuildPrompts renders the base system prompts in category order, positive before negative.
// Every category needs at least two few-shot examples; the first two in table order are used.
func BuildPrompts(categories []Category, examples []FewShotExample, template string) ([]Prompt, error) {
	byCategory := make(map[int][]string)
	for _, ex := range examples {
		byCategory[ex.Category] = append(byCategory[ex.Category], ex.Text)
	}

	prompts := make([]Prompt, 0, 2*len(categories))
	for _, c := range categories {
		shots := byCategory[c.Index]
		if len(shots) < 2 {
			return nil, &InsufficientExamplesError{Category: c.Index, Found: len(shots)}
		}

		if c.Neutral {
			prompts = append(prompts, Prompt{
				Key:      strconv.Itoa(c.Index),
				Category: c,
				Polarity: PolarityNone,
				System:   renderBasePrompt(template, directiveNeutral, c.Label, shots[0], shots[1]),
			})
			continue
		}

		for _, p := range []struct {
			polarity  Polarity
			directive string
		}{
			{PolarityPositive, directivePositive},
			{PolarityNegative, directiveNegative},
		} {
			prompts = append(prompts, Prompt{
				Key:      fmt.Sprintf("%d_%s", c.Index, p.polarity),
				Category: c,
				Polarity: p.polarity,
				System:   renderBasePrompt(template, p.directive, c.Label, shots[0], shots[1]),
			})
		}
	}
	return prompts, nil
}

func renderBasePrompt(template, directive, newsType, news1, news2 string) string {
	return strings.NewReplacer(
		placeholderNumAndSign, directive,
		placeholderNewsType, newsType,
		placeholderNews1, news1,
		placeholderNews2, news2,
	).Replace(template)
}

func renderRewritePrompt(template string, target LengthTarget) string {
	return strings.ReplaceAll(template, placeholderLengthBounds, target.Bounds)
}

func renderUserPrompt(template, text string) string {
	return strings.ReplaceAll(template, placeholderText, text)
}

// ImpactTable maps a category label to its fixed impact weight
type ImpactTable map[string]float64

// NewImpactTable pairs categories with weights by position. Categories past the end of weights get no entry.
func NewImpactTable(categories []Category, weights []float64) ImpactTable {
	table := make(ImpactTable, len(categories))
	for i, c := range categories {
		if i >= len(weights) {
			break
		}
		table[c.Label] = weights[i]
	}
	return table
}

// Lookup returns the weight for label, or nil when the category has none.
func (t ImpactTable) Lookup(label string) *float64 {
	w, ok := t[label]
	if !ok {
		return nil
	}
	return &w
}
