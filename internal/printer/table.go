package printer

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/slok/sbxd/internal/model"
)

// TablePrinter prints sbxd information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintList prints sandboxes in a table format.
func (t *TablePrinter) PrintList(sandboxes []model.Sandbox) error {
	if len(sandboxes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header.
	fmt.Fprintln(tw, "ID\tOWNER\tIMAGE\tSTATE\tPORTS\tCREATED")

	// Print rows.
	for _, s := range sandboxes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Owner, s.Spec.Image, s.State, formatPorts(s.Ports), TimeAgo(s.CreatedAt))
	}

	return nil
}

// PrintStatus prints detailed sandbox status.
func (t *TablePrinter) PrintStatus(sandbox model.Sandbox, urls map[int]string) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", sandbox.ID)
	fmt.Fprintf(t.writer, "Owner:      %s\n", sandbox.Owner)
	fmt.Fprintf(t.writer, "State:      %s\n", sandbox.State)
	if sandbox.Error != "" {
		fmt.Fprintf(t.writer, "Error:      %s\n", sandbox.Error)
	}
	fmt.Fprintf(t.writer, "Image:      %s\n", sandbox.Spec.Image)
	if sandbox.ContainerID != "" {
		fmt.Fprintf(t.writer, "Container:  %s\n", sandbox.ContainerID)
	}

	res := sandbox.Spec.Resources
	fmt.Fprintf(t.writer, "CPU:        %.2f\n", res.CPU)
	fmt.Fprintf(t.writer, "Memory:     %s\n", FormatBytes(res.MemoryBytes))
	if res.GPU != "" {
		fmt.Fprintf(t.writer, "GPU:        %s\n", res.GPU)
	}
	if res.Timeout > 0 {
		fmt.Fprintf(t.writer, "Timeout:    %s\n", res.Timeout)
	}

	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(sandbox.CreatedAt))
	if sandbox.StartedAt != nil {
		fmt.Fprintf(t.writer, "Started:    %s\n", FormatTimestamp(*sandbox.StartedAt))
	}
	fmt.Fprintf(t.writer, "Active:     %s\n", TimeAgo(sandbox.LastActiveAt))

	for _, p := range sandbox.Ports {
		line := fmt.Sprintf("%d/%s -> %d", p.Internal, p.Protocol, p.External)
		if u, ok := urls[p.Internal]; ok {
			line += " (" + u + ")"
		}
		fmt.Fprintf(t.writer, "Port:       %s\n", line)
	}

	for _, v := range sandbox.Volumes {
		fmt.Fprintf(t.writer, "Volume:     %s -> %s (%s)\n", v.Volume, v.MountPath, v.Mode)
	}

	return nil
}

// PrintVolumes prints volumes in a table format.
func (t *TablePrinter) PrintVolumes(volumes []model.Volume) error {
	if len(volumes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tDRIVER\tSIZE\tMOUNTERS\tCREATED")
	for _, v := range volumes {
		size := "-"
		if v.SizeBytes > 0 {
			size = FormatBytes(v.SizeBytes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", v.Name, v.Driver, size, len(v.Mounters), TimeAgo(v.CreatedAt))
	}

	return nil
}

// PrintURLs prints the sandbox URLs sorted by internal port.
func (t *TablePrinter) PrintURLs(urls map[int]string) error {
	for _, p := range slices.Sorted(maps.Keys(urls)) {
		fmt.Fprintf(t.writer, "%d\t%s\n", p, urls[p])
	}
	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func formatPorts(ps []model.PortAllocation) string {
	if len(ps) == 0 {
		return "-"
	}

	byInternal := map[int]model.PortAllocation{}
	for _, p := range ps {
		byInternal[p.Internal] = p
	}

	var parts []string
	for _, in := range slices.Sorted(maps.Keys(byInternal)) {
		p := byInternal[in]
		parts = append(parts, fmt.Sprintf("%d->%d/%s", p.External, p.Internal, p.Protocol))
	}
	return strings.Join(parts, ",")
}
