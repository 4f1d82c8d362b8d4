package printer

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/slok/sbxd/internal/model"
)

// JSONPrinter prints sbxd information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// listItem represents a sandbox in the list output (subset of fields).
type listItem struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Image     string    `json:"image"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

type portOutput struct {
	Internal  int    `json:"internal"`
	External  int    `json:"external"`
	Protocol  string `json:"protocol"`
	Subdomain string `json:"subdomain,omitempty"`
	URL       string `json:"url,omitempty"`
}

type volumeMountOutput struct {
	Volume    string `json:"volume"`
	MountPath string `json:"mount_path"`
	Mode      string `json:"mode"`
}

// statusOutput represents the full sandbox status output.
type statusOutput struct {
	ID           string              `json:"id"`
	Owner        string              `json:"owner"`
	State        string              `json:"state"`
	Error        string              `json:"error,omitempty"`
	Image        string              `json:"image"`
	ContainerID  string              `json:"container_id,omitempty"`
	CPU          float64             `json:"cpu"`
	MemoryBytes  int64               `json:"memory_bytes"`
	GPU          string              `json:"gpu,omitempty"`
	Timeout      string              `json:"timeout,omitempty"`
	Ports        []portOutput        `json:"ports"`
	Volumes      []volumeMountOutput `json:"volumes"`
	CreatedAt    time.Time           `json:"created_at"`
	StartedAt    *time.Time          `json:"started_at"`
	LastActiveAt time.Time           `json:"last_active_at"`
}

type volumeOutput struct {
	Name      string    `json:"name"`
	Driver    string    `json:"driver"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	MountPath string    `json:"mount_path,omitempty"`
	Mounters  []string  `json:"mounters"`
	CreatedAt time.Time `json:"created_at"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintList prints sandboxes in JSON format with a subset of fields.
func (j *JSONPrinter) PrintList(sandboxes []model.Sandbox) error {
	items := make([]listItem, len(sandboxes))
	for i, s := range sandboxes {
		items[i] = listItem{
			ID:        s.ID,
			Owner:     s.Owner,
			Image:     s.Spec.Image,
			State:     string(s.State),
			CreatedAt: s.CreatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintStatus prints detailed sandbox status in JSON format.
func (j *JSONPrinter) PrintStatus(sandbox model.Sandbox, urls map[int]string) error {
	res := sandbox.Spec.Resources
	output := statusOutput{
		ID:           sandbox.ID,
		Owner:        sandbox.Owner,
		State:        string(sandbox.State),
		Error:        sandbox.Error,
		Image:        sandbox.Spec.Image,
		ContainerID:  sandbox.ContainerID,
		CPU:          res.CPU,
		MemoryBytes:  res.MemoryBytes,
		GPU:          res.GPU,
		Ports:        []portOutput{},
		Volumes:      []volumeMountOutput{},
		CreatedAt:    sandbox.CreatedAt.UTC(),
		LastActiveAt: sandbox.LastActiveAt.UTC(),
	}
	if res.Timeout > 0 {
		output.Timeout = res.Timeout.String()
	}

	for _, p := range sandbox.Ports {
		output.Ports = append(output.Ports, portOutput{
			Internal:  p.Internal,
			External:  p.External,
			Protocol:  string(p.Protocol),
			Subdomain: p.Subdomain,
			URL:       urls[p.Internal],
		})
	}

	for _, v := range sandbox.Volumes {
		output.Volumes = append(output.Volumes, volumeMountOutput{Volume: v.Volume, MountPath: v.MountPath, Mode: string(v.Mode)})
	}

	if sandbox.StartedAt != nil {
		utcTime := sandbox.StartedAt.UTC()
		output.StartedAt = &utcTime
	}

	return j.encode(output)
}

// PrintVolumes prints volumes in JSON format.
func (j *JSONPrinter) PrintVolumes(volumes []model.Volume) error {
	items := make([]volumeOutput, len(volumes))
	for i, v := range volumes {
		mounters := v.Mounters
		if mounters == nil {
			mounters = []string{}
		}
		items[i] = volumeOutput{
			Name:      v.Name,
			Driver:    v.Driver,
			SizeBytes: v.SizeBytes,
			MountPath: v.MountPath,
			Mounters:  mounters,
			CreatedAt: v.CreatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

// PrintURLs prints the sandbox URLs keyed by internal port.
func (j *JSONPrinter) PrintURLs(urls map[int]string) error {
	out := make(map[string]string, len(urls))
	for p, u := range urls {
		out[strconv.Itoa(p)] = u
	}
	return j.encode(out)
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
