package billing

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	csvFlushEvery = 200
	csvBufferSize = 32 * 1024
)

type csvStreamer struct {
	buf          *bufio.Writer
	csv          *csv.Writer
	flushEvery   int
	pendingLines int
}

func newCSVStreamer(w io.Writer) *csvStreamer {
	buf := bufio.NewWriterSize(w, csvBufferSize)
	writer := csv.NewWriter(buf)
	writer.UseCRLF = true
	return &csvStreamer{buf: buf, csv: writer, flushEvery: csvFlushEvery}
}

func (s *csvStreamer) writeComment(line string) error {
	if s == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	if !strings.HasSuffix(line, "\r\n") {
		line = strings.TrimSuffix(line, "\n")
		line += "\r\n"
	}
	_, err := s.buf.WriteString(line)
	return err
}

func (s *csvStreamer) writeRow(row []string) error {
	if s == nil || s.csv == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	if err := s.csv.Write(row); err != nil {
		return err
	}
	s.pendingLines++
	if s.flushEvery > 0 && s.pendingLines >= s.flushEvery {
		return s.Flush()
	}
	return nil
}

func (s *csvStreamer) Flush() error {
	if s == nil || s.csv == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.pendingLines = 0
	return nil
}

// exportDrawCSV streams the draw's sub-ledger as CSV, one row per
// (invoice, cost code) slice, with a header comment summarising the draw.
func (h *Handler) exportDrawCSV(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	draw, allocations, err := h.service.GetDraw(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="draw_%d.csv"`, draw.DrawNumber))

	printer := message.NewPrinter(language.English)
	streamer := newCSVStreamer(w)
	total, _ := draw.TotalAmount.Float64()
	if err := streamer.writeComment(printer.Sprintf("# Draw %d (%s), total %.2f",
		draw.DrawNumber, draw.Status, total)); err != nil {
		h.logger.Error("csv export", "draw", draw.ID, "error", err)
		return
	}
	if err := streamer.writeRow([]string{"invoice_id", "cost_code_id", "amount"}); err != nil {
		h.logger.Error("csv export", "draw", draw.ID, "error", err)
		return
	}
	for _, a := range allocations {
		row := []string{a.InvoiceID.String(), a.CostCodeID.String(), a.Amount.StringFixed(2)}
		if err := streamer.writeRow(row); err != nil {
			h.logger.Error("csv export", "draw", draw.ID, "error", err)
			return
		}
	}
	if err := streamer.Flush(); err != nil {
		h.logger.Error("csv export", "draw", draw.ID, "error", err)
	}
}
