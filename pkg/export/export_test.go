package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Title:    "CS101 waitlist",
		Subtitle: "2 entries",
		Headers:  []string{"Position", "Requester"},
		Rows:     [][]string{{"1", "stu-a"}, {"2", "stu-b, jr"}},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("PDF")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)
	assert.Equal(t, "application/pdf", f.ContentType())

	_, err = ParseFormat("xlsx")
	assert.Error(t, err)
}

func TestCSVExporterQuotesCells(t *testing.T) {
	out, err := Render(FormatCSV, sampleDataset())
	require.NoError(t, err)
	assert.Equal(t, "Position,Requester\n1,stu-a\n2,\"stu-b, jr\"\n", string(out))
}

func TestPDFExporterProducesDocument(t *testing.T) {
	out, err := Render(FormatPDF, sampleDataset())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestExportersRejectRaggedRows(t *testing.T) {
	data := sampleDataset()
	data.Rows = append(data.Rows, []string{"3"})
	_, err := NewCSVExporter().Render(data)
	assert.Error(t, err)
	_, err = NewPDFExporter().Render(Dataset{})
	assert.Error(t, err)
}
