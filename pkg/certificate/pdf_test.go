package certificate

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPDFRendererRender(t *testing.T) {
	r := NewPDFRenderer("Academy Central")
	out, err := r.Render(Data{
		Number:         "CERT2025000001",
		StudentName:    "Rina Putri",
		ClassName:      "IELTS Intensive B2",
		AttendanceRate: "92.50",
		IssuedAt:       time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestPDFRendererRequiresNumber(t *testing.T) {
	_, err := NewPDFRenderer("").Render(Data{StudentName: "x"})
	require.Error(t, err)
}
