package image

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/agent/document"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// textractAPI is the part of the Textract client the processor uses.
type textractAPI interface {
	AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, opts ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

// TextractProcessor sends scans to AWS Textract and keeps the lines, tables
// and form fields it finds.
type TextractProcessor struct {
	client        textractAPI
	minConfidence float32
	logger        logger.Logger
}

func NewTextractProcessor(ctx context.Context, c cfg.TextractConfig, log logger.Logger) (*TextractProcessor, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	})
	return &TextractProcessor{client: client, minConfidence: c.MinConfidence, logger: log.Named("textract")}, nil
}

func (p *TextractProcessor) CanProcess(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".pdf":
		return true
	}
	return false
}

func (p *TextractProcessor) Process(ctx context.Context, reader io.Reader) ([]document.Page, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	out, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: data},
		FeatureTypes: []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze document: %w", err)
	}
	return p.pages(out.Blocks), nil
}

// pages groups confident LINE blocks by page and appends tables and form
// fields as extra sections.
func (p *TextractProcessor) pages(blocks []types.Block) []document.Page {
	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	lines := make(map[int][]string)
	var extra []string
	for _, b := range blocks {
		switch b.BlockType {
		case types.BlockTypeLine:
			if b.Text == nil || b.Confidence == nil || *b.Confidence < p.minConfidence {
				continue
			}
			page := int(aws.ToInt32(b.Page))
			if page == 0 {
				page = 1
			}
			lines[page] = append(lines[page], *b.Text)
		case types.BlockTypeTable:
			if t := tableText(b, byID); t != "" {
				extra = append(extra, t)
			}
		case types.BlockTypeKeyValueSet:
			if len(b.EntityTypes) > 0 && b.EntityTypes[0] == types.EntityTypeKey {
				key := childText(b, byID)
				if val := valueText(b, byID); key != "" && val != "" {
					extra = append(extra, key+": "+val)
				}
			}
		}
	}

	numbers := make([]int, 0, len(lines))
	for n := range lines {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	pages := make([]document.Page, 0, len(numbers)+1)
	for _, n := range numbers {
		pages = append(pages, document.Page{Number: n, Text: strings.Join(lines[n], "\n"), Source: "textract"})
	}
	if len(extra) > 0 {
		pages = append(pages, document.Page{Number: len(numbers) + 1, Text: strings.Join(extra, "\n\n"), Source: "textract-structure"})
	}
	return pages
}

func childText(b types.Block, byID map[string]types.Block) string {
	var words []string
	for _, rel := range b.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			if c, ok := byID[id]; ok && c.Text != nil {
				words = append(words, *c.Text)
			}
		}
	}
	return strings.Join(words, " ")
}

func valueText(key types.Block, byID map[string]types.Block) string {
	for _, rel := range key.Relationships {
		if rel.Type != types.RelationshipTypeValue {
			continue
		}
		for _, id := range rel.Ids {
			if v, ok := byID[id]; ok {
				return childText(v, byID)
			}
		}
	}
	return ""
}

// tableText renders a TABLE block as tab separated rows.
func tableText(table types.Block, byID map[string]types.Block) string {
	var rows, cols int32
	cells := make(map[[2]int32]string)
	for _, rel := range table.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			c, ok := byID[id]
			if !ok || c.BlockType != types.BlockTypeCell {
				continue
			}
			r, col := aws.ToInt32(c.RowIndex), aws.ToInt32(c.ColumnIndex)
			rows, cols = max(rows, r), max(cols, col)
			cells[[2]int32{r, col}] = childText(c, byID)
		}
	}
	var sb strings.Builder
	for r := int32(1); r <= rows; r++ {
		vals := make([]string, cols)
		for c := int32(1); c <= cols; c++ {
			vals[c-1] = cells[[2]int32{r, c}]
		}
		if r > 1 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.Join(vals, "\t"))
	}
	return sb.String()
}

func (p *TextractProcessor) Close() error {
	return nil
}
