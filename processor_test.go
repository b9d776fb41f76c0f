package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(client ChatClient, taxonomy string, progress *bytes.Buffer) *DatasetProcessor {
	cfg := Config{
		Path: "test-config.yml",
		Templates: Templates{
			BaseSystem:    testBaseTemplate,
			RewriteSystem: "Rewrite in {{.LengthBounds}} words",
			User:          "{{.Text}}",
			Taxonomy:      taxonomy,
		},
	}
	gen := NewTextGenerator(client, GenerationSettings{Model: "test-model", MaxTokens: 1024, TopP: 0.1})
	if progress == nil {
		return NewDatasetProcessor(cfg, gen, nil)
	}
	return NewDatasetProcessor(cfg, gen, progress)
}

// baseResponder answers base prompts by the directive in the system prompt
func baseResponder(req ChatRequest) (string, error) {
	switch {
	case strings.Contains(req.System, "10 positive"):
		return "1. Profit up\n2. Sales up", nil
	case strings.Contains(req.System, "10 negative"):
		return "1. Loss\n\n2. Writedown", nil
	default:
		return "1) Board meets\r\n2) Agenda published\n\n", nil
	}
}

func TestCleanGeneration(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"dot numbering", "1. a\n2. b", []string{"a", "b"}},
		{"mixed numbering", "1. a\n2) b\n3 - c\n4: d", []string{"a", "b", "c", "d"}},
		{"blank lines", "\n\n1. a\n\n\n\n2. b\n\n", []string{"a", "b"}},
		{"crlf", "1. a\r\n\r\n2. b\r\n", []string{"a", "b"}},
		{"no numbering", "  plain text  ", []string{"plain text"}},
		{"number inside text kept", "1. Revenue grew 12. Margins held", []string{"Revenue grew 12. Margins held"}},
		{"empty", "", nil},
		{"only numbering", "1.\n2)", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cleanGeneration(tt.in)
			assert.Equal(t, tt.want, got)

			// cleaning the cleaned output changes nothing
			assert.Equal(t, got, cleanGeneration(strings.Join(got, "\n")))
		})
	}
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, "12", extractNumber("12_pos"))
	assert.Equal(t, "3", extractNumber("3_neg"))
	assert.Equal(t, "8", extractNumber("8"))
	assert.Equal(t, "key", extractNumber("key"))
}

func TestGenerateBase(t *testing.T) {
	client := &fakeChatClient{respond: baseResponder}
	progress := &bytes.Buffer{}
	p := newTestProcessor(client, "Earnings\n#Management changes\n", progress)

	examples := []FewShotExample{
		{Category: 1, Text: "A"},
		{Category: 1, Text: "B"},
		{Category: 2, Text: "C"},
		{Category: 2, Text: "D"},
	}

	items, err := p.GenerateBase(context.Background(), examples, 1.2)
	require.NoError(t, err)

	require.Len(t, client.requests, 3)
	for _, req := range client.requests {
		assert.Equal(t, 1.2, req.Temperature)
		assert.Equal(t, "test-model", req.Model)
	}
	assert.Equal(t, "Earnings", client.requests[0].User)
	assert.Equal(t, "Management changes", client.requests[2].User)

	require.Len(t, items, 6)
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Text
		require.NotNil(t, item.Impact)
		assert.Equal(t, impactWeights[0], *item.Impact)
	}
	assert.Equal(t, []string{"Profit up", "Sales up", "Loss", "Writedown", "Board meets", "Agenda published"}, texts)

	assert.Equal(t, GeneratedItem{Type: "Earnings", No: 2, Text: "Writedown", Impact: items[3].Impact}, items[3])
	assert.Equal(t, "Management changes", items[4].Type)
	assert.Equal(t, 1, items[4].No)
	assert.NotEmpty(t, progress.String())
}

func TestGenerateBaseNumbersRestartPerPrompt(t *testing.T) {
	client := &fakeChatClient{respond: baseResponder}
	p := newTestProcessor(client, "Earnings\n", nil)

	items, err := p.GenerateBase(context.Background(), []FewShotExample{{1, "A"}, {1, "B"}}, 1.2)
	require.NoError(t, err)

	nos := make([]int, len(items))
	for i, item := range items {
		nos[i] = item.No
	}
	assert.Equal(t, []int{1, 2, 1, 2}, nos)
}

func TestGenerateBaseFailsBeforeCalls(t *testing.T) {
	client := &fakeChatClient{respond: baseResponder}
	p := newTestProcessor(client, "Earnings\nMergers\n", nil)

	_, err := p.GenerateBase(context.Background(), []FewShotExample{{1, "A"}, {1, "B"}, {2, "C"}}, 1.2)

	var insufficient *InsufficientExamplesError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Category)
	assert.Empty(t, client.requests)
}

func TestWarmupRunsAfterPromptAssembly(t *testing.T) {
	dir := t.TempDir()
	fewShot := filepath.Join(dir, "few_shot.csv")
	require.NoError(t, os.WriteFile(fewShot, []byte("text,category\nA,1\nB,1\n"), 0644))
	baseOut := filepath.Join(dir, "base.csv")

	client := &fakeChatClient{respond: baseResponder}
	p := newTestProcessor(client, "Earnings\nMergers\n", nil)
	warmups := 0
	p.SetWarmup(func(context.Context) error {
		warmups++
		return nil
	})

	_, err := p.RunBase(context.Background(), fewShot, baseOut, 1.2)
	var insufficient *InsufficientExamplesError
	require.ErrorAs(t, err, &insufficient)
	assert.Zero(t, warmups)
	assert.Empty(t, client.requests)

	p = newTestProcessor(client, "Earnings\n", nil)
	p.SetWarmup(func(context.Context) error {
		warmups++
		assert.Empty(t, client.requests, "warm-up precedes generation")
		return nil
	})
	_, err = p.RunBase(context.Background(), fewShot, baseOut, 1.2)
	require.NoError(t, err)
	_, err = p.RunAdditional(context.Background(), baseOut, filepath.Join(dir, "gen.csv"), 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1, warmups, "one warm-up per processor")
}

func TestWarmupFailureStopsBeforeGeneration(t *testing.T) {
	errWarmup := errors.New("warm-up failed")
	client := &fakeChatClient{respond: baseResponder}
	p := newTestProcessor(client, "Earnings\n", nil)
	p.SetWarmup(func(context.Context) error { return errWarmup })

	_, err := p.GenerateBase(context.Background(), []FewShotExample{{1, "A"}, {1, "B"}}, 1.2)
	assert.ErrorIs(t, err, errWarmup)
	assert.Empty(t, client.requests)
}

func TestGenerateBaseEmptyResponse(t *testing.T) {
	client := &fakeChatClient{respond: replyWith("\n\n")}
	p := newTestProcessor(client, "Earnings\n", nil)

	items, err := p.GenerateBase(context.Background(), []FewShotExample{{1, "A"}, {1, "B"}}, 1.2)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Len(t, client.requests, 2)
}

func TestGenerateBaseImpactPastWeights(t *testing.T) {
	categories := make([]string, len(impactWeights)+1)
	var examples []FewShotExample
	for i := range categories {
		categories[i] = "Category " + string(rune('A'+i%26)) + strings.Repeat("x", i/26)
		examples = append(examples, FewShotExample{i + 1, "one"}, FewShotExample{i + 1, "two"})
	}
	client := &fakeChatClient{respond: replyWith("1. item")}
	p := newTestProcessor(client, strings.Join(categories, "\n"), nil)

	items, err := p.GenerateBase(context.Background(), examples, 1.2)
	require.NoError(t, err)

	last := items[len(items)-1]
	assert.Equal(t, categories[len(categories)-1], last.Type)
	assert.Nil(t, last.Impact)
	assert.NotNil(t, items[0].Impact)
}

func TestRunBaseServiceFailureWritesNothing(t *testing.T) {
	dir := t.TempDir()
	fewShot := filepath.Join(dir, "few_shot.csv")
	require.NoError(t, os.WriteFile(fewShot, []byte("text,category\nA,1\nB,1\n"), 0644))
	output := filepath.Join(dir, "out", "base.csv")

	errDown := errors.New("service unavailable")
	client := &fakeChatClient{respond: func(req ChatRequest) (string, error) {
		if strings.Contains(req.System, "10 negative") {
			return "", errDown
		}
		return "1. fine", nil
	}}
	p := newTestProcessor(client, "Earnings\n", nil)

	items, err := p.RunBase(context.Background(), fewShot, output, 1.2)
	assert.Nil(t, items)

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, stageBase, svcErr.Stage)
	assert.Equal(t, "1_neg", svcErr.Key)
	assert.Equal(t, "test-model", svcErr.Model)
	assert.ErrorIs(t, err, errDown)

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr), "no output file after a failed run")
}

func TestRunBaseThenAdditional(t *testing.T) {
	dir := t.TempDir()
	fewShot := filepath.Join(dir, "few_shot.csv")
	require.NoError(t, os.WriteFile(fewShot,
		[]byte("Unnamed: 0,text,category\n0,A,1\n1,B,1.0\n2,C,\n"), 0644))
	baseOut := filepath.Join(dir, "processed", "synthetic_news.csv")
	additionalOut := filepath.Join(dir, "processed", "generated_news.tsv")

	client := &fakeChatClient{respond: func(req ChatRequest) (string, error) {
		if strings.HasPrefix(req.System, "Rewrite") {
			return " " + req.System + ": " + req.User + " \n", nil
		}
		return baseResponder(req)
	}}
	p := newTestProcessor(client, "Earnings\n", nil)

	items, err := p.RunBase(context.Background(), fewShot, baseOut, 1.2)
	require.NoError(t, err)
	require.Len(t, items, 4)

	base, err := NewTableStore().ReadTable(baseOut)
	require.NoError(t, err)
	assert.Equal(t, baseColumns, base.Columns)
	assert.Equal(t, []any{"Earnings", "1", "Profit up", "1"}, base.Rows[0])

	variants, err := p.RunAdditional(context.Background(), baseOut, additionalOut, 1.5)
	require.NoError(t, err)
	require.Len(t, variants, 16)

	out, err := NewTableStore().ReadTable(additionalOut)
	require.NoError(t, err)
	assert.Equal(t, additionalColumns, out.Columns)
	require.Len(t, out.Rows, 16)
	assert.Equal(t, []any{"1", "Profit up", "1", "1", "Earnings"}, out.Rows[0])
	assert.Equal(t, []any{"2", "Rewrite in 50-70 words: Profit up", "0", "1", "Earnings"}, out.Rows[1])
	assert.Equal(t, []any{"4", "Rewrite in 120-150 words: Profit up", "0", "1", "Earnings"}, out.Rows[3])
}

func TestGenerateAdditional(t *testing.T) {
	errDown := errors.New("timeout")
	client := &fakeChatClient{respond: func(req ChatRequest) (string, error) {
		if req.User == "first" && strings.Contains(req.System, "80-110") {
			return "", errDown
		}
		return "  " + req.User + " in " + strings.TrimPrefix(req.System, "Rewrite in ") + "\n", nil
	}}
	p := newTestProcessor(client, "Earnings\n", nil)

	impact := 0.4
	rows := []SourceRow{
		{Text: "first", Type: "Earnings", Impact: &impact},
		{Text: "second", Type: "7"},
	}

	variants, err := p.GenerateAdditional(context.Background(), rows, 1.5)
	require.NoError(t, err)
	require.Len(t, variants, 8)
	assert.Len(t, client.requests, 6)
	for _, req := range client.requests {
		assert.Equal(t, 1.5, req.Temperature)
	}

	for r := 0; r < len(rows); r++ {
		group := variants[r*4 : r*4+4]
		for i, v := range group {
			assert.Equal(t, i+1, v.No)
			assert.Equal(t, rows[r].Type, v.NewsType)
			assert.Equal(t, rows[r].Impact, v.Impact)
			if i == 0 {
				assert.Equal(t, 1, v.IsSynthetic)
			} else {
				assert.Equal(t, 0, v.IsSynthetic)
			}
		}
		require.NotNil(t, group[0].Text)
		assert.Equal(t, rows[r].Text, *group[0].Text)
	}

	require.NotNil(t, variants[1].Text)
	assert.Equal(t, "first in 50-70 words", *variants[1].Text)
	assert.Nil(t, variants[2].Text, "failed rewrite is recorded as null")
	require.NotNil(t, variants[3].Text)
	assert.Equal(t, "first in 120-150 words", *variants[3].Text)
	require.NotNil(t, variants[6].Text)
	assert.Equal(t, "second in 80-110 words", *variants[6].Text)
	assert.Nil(t, variants[5].Impact)
}

func TestRunAdditionalCancelledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "base.csv")
	require.NoError(t, os.WriteFile(input, []byte("type,No,text,impact\nEarnings,1,Profit up,1\n"), 0644))
	output := filepath.Join(dir, "generated.csv")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeChatClient{respond: replyWith("rewritten")}
	p := newTestProcessor(client, "Earnings\n", nil)

	_, err := p.RunAdditional(ctx, input, output, 1.5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.requests)

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFewShotExamples(t *testing.T) {
	table := &Table{
		Columns: []string{"text", "category"},
		Rows: [][]any{
			{"A", "1"},
			{"B", "2.0"},
			{"C", "n/a"},
			{"D", "2.5"},
			{"E"},
		},
	}
	examples, err := fewShotExamples(table)
	require.NoError(t, err)
	assert.Equal(t, []FewShotExample{{Category: 1, Text: "A"}, {Category: 2, Text: "B"}}, examples)

	_, err = fewShotExamples(&Table{Columns: []string{"text"}})
	assert.Error(t, err)
}

func TestSourceRows(t *testing.T) {
	t.Run("all columns", func(t *testing.T) {
		table := &Table{
			Columns: []string{"Type", "No", "Text", "Impact"},
			Rows: [][]any{
				{"Earnings", "1", "Profit up", "0.4"},
				{"Mergers", "2", "Deal closed", ""},
			},
		}
		rows, err := sourceRows(table)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Earnings", rows[0].Type)
		require.NotNil(t, rows[0].Impact)
		assert.Equal(t, 0.4, *rows[0].Impact)
		assert.Nil(t, rows[1].Impact)
	})

	t.Run("text only", func(t *testing.T) {
		table := &Table{
			Columns: []string{"text"},
			Rows:    [][]any{{"first"}, {"second"}},
		}
		rows, err := sourceRows(table)
		require.NoError(t, err)
		assert.Equal(t, []SourceRow{{Text: "first", Type: "1"}, {Text: "second", Type: "2"}}, rows)
	})

	t.Run("missing text column", func(t *testing.T) {
		_, err := sourceRows(&Table{Columns: []string{"type"}})
		assert.Error(t, err)
	})
}

func TestParseCategoryIndex(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"3", 3, true},
		{" 12 ", 12, true},
		{"3.0", 3, true},
		{"3.5", 0, false},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseCategoryIndex(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
