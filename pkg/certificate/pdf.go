package certificate

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Data is the content printed on a completion certificate.
type Data struct {
	Number         string
	StudentName    string
	ClassName      string
	AttendanceRate string
	IssuedAt       time.Time
}

// PDFRenderer renders completion certificates as single-page landscape PDFs.
type PDFRenderer struct {
	issuer string
}

// NewPDFRenderer constructs a renderer that signs certificates with the issuer name.
func NewPDFRenderer(issuer string) *PDFRenderer {
	if issuer == "" {
		issuer = "Academy"
	}
	return &PDFRenderer{issuer: issuer}
}

// Render returns the PDF bytes for the certificate.
func (r *PDFRenderer) Render(data Data) ([]byte, error) {
	if data.Number == "" {
		return nil, fmt.Errorf("certificate number required")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetLineWidth(1.2)
	pdf.Rect(10, 10, 277, 190, "D")

	pdf.SetFont("Arial", "B", 28)
	pdf.Ln(20)
	pdf.CellFormat(0, 14, "CERTIFICATE OF COMPLETION", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 14)
	pdf.Ln(8)
	pdf.CellFormat(0, 10, "This certifies that", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "B", 22)
	pdf.CellFormat(0, 14, strings.TrimSpace(data.StudentName), "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 14)
	pdf.CellFormat(0, 10, "has successfully completed", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 12, strings.TrimSpace(data.ClassName), "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.Ln(4)
	pdf.CellFormat(0, 8, fmt.Sprintf("Attendance: %s%%", data.AttendanceRate), "", 1, "C", false, 0, "")

	pdf.Ln(16)
	pdf.SetFont("Arial", "", 10)
	issued := data.IssuedAt
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	pdf.CellFormat(128, 8, fmt.Sprintf("No. %s", data.Number), "", 0, "L", false, 0, "")
	pdf.CellFormat(0, 8, fmt.Sprintf("%s, %s", r.issuer, issued.Format("02 January 2006")), "", 1, "R", false, 0, "")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}
