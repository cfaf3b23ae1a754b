package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/richinsley/comfybatch/batch"
)

// renderSummary lays out one row per processed subfolder
func renderSummary(s *batch.Summary) string {
	if len(s.Items) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Subfolder", "Status", "Result"})

	for _, item := range s.Items {
		var result string
		switch item.Status {
		case batch.ItemSucceeded:
			result = strings.Join(item.Outputs, ", ")
		case batch.ItemSkipped:
			result = "no image found"
		case batch.ItemFailed:
			result = item.Err.Error()
		}
		tw.AppendRow(table.Row{item.Index, item.Name, string(item.Status), result})
	}

	tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d succeeded, %d skipped, %d failed of %d",
		s.Succeeded, s.Skipped, s.Failed, s.Total)})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, WidthMax: 80},
	})
	return tw.Render()
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
