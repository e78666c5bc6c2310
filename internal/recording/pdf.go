package recording

import (
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf/v2"
)

// writeTranscriptPDF renders the finalized transcript as a printable PDF with
// one timestamped block per utterance.
func writeTranscriptPDF(path, callID string, entries []TranscriptEntry) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "", 16)
	pdf.CellFormat(40, 10, "Call Transcript", "", 0, "", false, 0, "")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Call ID: %s", callID), "", 1, "", false, 0, "")
	pdf.Ln(4)

	for _, e := range entries {
		pdf.SetFont("Arial", "B", 11)
		header := fmt.Sprintf("%s  %s", e.Timestamp.Format("15:04:05"), speakerLabel(e.Role))
		pdf.CellFormat(0, 7, header, "", 1, "", false, 0, "")

		pdf.SetFont("Arial", "", 12)
		pdf.MultiCell(0, 8, e.Text, "", "", false)
		pdf.Ln(2)
	}

	pdf.SetFont("Arial", "I", 8)
	pdf.SetY(-15)
	pdf.SetX(0)
	pdf.CellFormat(0, 10, fmt.Sprintf("Generated on %s", time.Now().Format("2006-01-02 15:04:05")), "", 0, "C", false, 0, "")

	return pdf.OutputFileAndClose(path)
}

func speakerLabel(role string) string {
	switch role {
	case "user":
		return "Caller"
	case "assistant":
		return "Bot"
	default:
		return role
	}
}
