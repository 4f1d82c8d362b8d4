package printer

import "github.com/slok/sbxd/internal/model"

// Printer knows how to print sbxd information in different formats.
type Printer interface {
	PrintList(sandboxes []model.Sandbox) error
	PrintStatus(sandbox model.Sandbox, urls map[int]string) error
	PrintVolumes(volumes []model.Volume) error
	PrintURLs(urls map[int]string) error
	PrintMessage(msg string) error
}

var (
	_ Printer = &TablePrinter{}
	_ Printer = &JSONPrinter{}
)
