package ui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"sigs.k8s.io/yaml"

	"plugenv/config"
	"plugenv/envmgr"
	"plugenv/installer"
	"plugenv/storage"
)

// Output formats understood by the Encode functions.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

var Formats = []string{FormatTable, FormatJSON, FormatYAML}

const detailWidth = 60

type resultDoc struct {
	Plugin          string   `json:"plugin"`
	Status          string   `json:"status"`
	Detail          string   `json:"detail,omitempty"`
	ErrorKind       string   `json:"errorKind,omitempty"`
	EnvironmentPath string   `json:"environmentPath,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Duration        string   `json:"duration,omitempty"`
}

type discoveryErrorDoc struct {
	Plugin string `json:"plugin"`
	Source string `json:"source"`
	Error  string `json:"error"`
}

type reportDoc struct {
	RunID           string              `json:"runID"`
	Preset          string              `json:"preset"`
	StartedAt       time.Time           `json:"startedAt"`
	FinishedAt      time.Time           `json:"finishedAt"`
	Duration        string              `json:"duration"`
	Ready           int                 `json:"ready"`
	Failed          int                 `json:"failed"`
	Skipped         int                 `json:"skipped"`
	Results         []resultDoc         `json:"results"`
	DiscoveryErrors []discoveryErrorDoc `json:"discoveryErrors,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
}

func newReportDoc(r *installer.Report) reportDoc {
	doc := reportDoc{
		RunID:      r.RunID,
		Preset:     string(r.Preset),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Duration:   r.Duration().Round(time.Millisecond).String(),
		Results:    make([]resultDoc, 0, len(r.Results)),
		Warnings:   r.Warnings,
	}
	doc.Ready, doc.Failed, doc.Skipped = r.Counts()
	for _, res := range r.Results {
		d := resultDoc{
			Plugin:          res.Plugin,
			Status:          string(res.Status),
			Detail:          res.Detail,
			ErrorKind:       res.ErrorKind,
			EnvironmentPath: res.EnvironmentPath,
			Warnings:        res.Warnings,
		}
		if res.Duration > 0 {
			d.Duration = res.Duration.Round(time.Millisecond).String()
		}
		doc.Results = append(doc.Results, d)
	}
	for _, e := range r.DiscoveryErrors {
		doc.DiscoveryErrors = append(doc.DiscoveryErrors, discoveryErrorDoc{Plugin: e.Plugin, Source: e.Source, Error: e.Err.Error()})
	}
	return doc
}

// EncodeReport writes the installation report in the given format.
func EncodeReport(w io.Writer, format string, r *installer.Report) error {
	switch format {
	case FormatJSON:
		return encodeJSON(w, newReportDoc(r))
	case FormatYAML:
		return encodeYAML(w, newReportDoc(r))
	case FormatTable, "":
		return encodeReportAsTable(w, r)
	default:
		return fmt.Errorf("unknown output format: %q", format)
	}
}

func encodeReportAsTable(w io.Writer, r *installer.Report) error {
	var buf bytes.Buffer
	t := newTable(&buf)
	t.AppendHeader(table.Row{"PLUGIN", "STATUS", "DETAIL", "ENVIRONMENT", "TIME"})
	for _, res := range r.Results {
		detail := res.Detail
		if res.ErrorKind != "" {
			detail = res.ErrorKind + ": " + detail
		}
		var took string
		if res.Duration > 0 {
			took = res.Duration.Round(100 * time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			res.Plugin,
			StatusStyle(res.Status).Render(string(res.Status)),
			truncate(detail, detailWidth),
			res.EnvironmentPath,
			took,
		})
	}
	t.Render()

	ready, failed, skipped := r.Counts()
	fmt.Fprintf(&buf, "\n%s %s, %s, %s in %s (%s preset)\n",
		TitleStyle.Render("Summary:"),
		ReadyStyle.Render(fmt.Sprintf("%d ready", ready)),
		failedCount(failed),
		DimStyle.Render(fmt.Sprintf("%d skipped", skipped)),
		r.Duration().Round(100*time.Millisecond),
		r.Preset,
	)

	for _, e := range r.DiscoveryErrors {
		fmt.Fprintf(&buf, "%s %s\n", WarningStyle.Render("discovery:"), e.Error())
	}
	warnings := append([]string(nil), r.Warnings...)
	for _, res := range r.Results {
		for _, warn := range res.Warnings {
			warnings = append(warnings, res.Plugin+": "+warn)
		}
	}
	for _, warn := range warnings {
		fmt.Fprintf(&buf, "%s %s\n", WarningStyle.Render("warning:"), warn)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func failedCount(n int) string {
	s := fmt.Sprintf("%d failed", n)
	if n == 0 {
		return DimStyle.Render(s)
	}
	return FailedStyle.Render(s)
}

type recordDoc struct {
	Plugin          string            `json:"plugin"`
	Status          string            `json:"status"`
	EnvironmentPath string            `json:"environmentPath"`
	Backend         string            `json:"backend,omitempty"`
	Fingerprint     string            `json:"fingerprint,omitempty"`
	Requirements    []string          `json:"requirements,omitempty"`
	Packages        map[string]string `json:"packages,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       string            `json:"errorKind,omitempty"`
	LastVerifiedAt  *time.Time        `json:"lastVerifiedAt,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func newRecordDocs(records []*storage.EnvironmentRecord) []recordDoc {
	docs := make([]recordDoc, 0, len(records))
	for _, rec := range records {
		d := recordDoc{
			Plugin:          rec.PluginName,
			Status:          string(rec.Status),
			EnvironmentPath: rec.EnvironmentPath,
			Backend:         rec.Backend,
			Fingerprint:     rec.Fingerprint,
			Requirements:    rec.Requirements,
			Packages:        rec.Packages,
			Error:           rec.Error,
			ErrorKind:       rec.ErrorKind,
			UpdatedAt:       rec.UpdatedAt,
		}
		if !rec.LastVerifiedAt.IsZero() {
			t := rec.LastVerifiedAt
			d.LastVerifiedAt = &t
		}
		docs = append(docs, d)
	}
	return docs
}

// EncodeRecords writes manifest records in the given format.
func EncodeRecords(w io.Writer, format string, records []*storage.EnvironmentRecord) error {
	switch format {
	case FormatJSON:
		return encodeJSON(w, newRecordDocs(records))
	case FormatYAML:
		return encodeYAML(w, newRecordDocs(records))
	case FormatTable, "":
	default:
		return fmt.Errorf("unknown output format: %q", format)
	}

	var buf bytes.Buffer
	t := newTable(&buf)
	t.AppendHeader(table.Row{"PLUGIN", "STATUS", "BACKEND", "PACKAGES", "FINGERPRINT", "VERIFIED", "ENVIRONMENT"})
	for _, rec := range records {
		status := string(rec.Status)
		switch rec.Status {
		case storage.StatusReady:
			status = ReadyStyle.Render(status)
		case storage.StatusFailed:
			status = FailedStyle.Render(status)
			if rec.ErrorKind != "" {
				status += DimStyle.Render(" (" + rec.ErrorKind + ")")
			}
		default:
			status = WarningStyle.Render(status)
		}
		verified := "never"
		if !rec.LastVerifiedAt.IsZero() {
			verified = rec.LastVerifiedAt.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{
			rec.PluginName,
			status,
			rec.Backend,
			len(rec.Packages),
			shortFingerprint(rec.Fingerprint),
			verified,
			rec.EnvironmentPath,
		})
	}
	t.Render()
	_, err := w.Write(buf.Bytes())
	return err
}

func shortFingerprint(fp string) string {
	if _, hex, ok := strings.Cut(fp, ":"); ok {
		fp = hex
	}
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// DiscoveredPlugin is one row of the discover listing. Error is set for
// plugins whose registration failed.
type DiscoveredPlugin struct {
	Name         string   `json:"name"`
	Source       string   `json:"source"`
	Dependencies []string `json:"dependencies,omitempty"`
	UIComponents []string `json:"uiComponents,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func EncodeDiscovery(w io.Writer, format string, plugins []DiscoveredPlugin) error {
	sort.SliceStable(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })

	switch format {
	case FormatJSON:
		return encodeJSON(w, plugins)
	case FormatYAML:
		return encodeYAML(w, plugins)
	case FormatTable, "":
	default:
		return fmt.Errorf("unknown output format: %q", format)
	}

	var buf bytes.Buffer
	t := newTable(&buf)
	t.AppendHeader(table.Row{"PLUGIN", "SOURCE", "DEPENDENCIES", "UI COMPONENTS"})
	for _, p := range plugins {
		deps := strings.Join(p.Dependencies, ", ")
		if p.Error != "" {
			deps = FailedStyle.Render("error: ") + truncate(p.Error, detailWidth)
		}
		t.AppendRow(table.Row{p.Name, p.Source, deps, strings.Join(p.UIComponents, ", ")})
	}
	t.Render()
	_, err := w.Write(buf.Bytes())
	return err
}

type credentialDoc struct {
	KeyID     string    `json:"keyID"`
	Plugin    string    `json:"plugin,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EncodeCredentials lists stored credential ids. Secrets never reach the
// output.
func EncodeCredentials(w io.Writer, format string, creds []config.Credential) error {
	docs := make([]credentialDoc, 0, len(creds))
	for _, c := range creds {
		docs = append(docs, credentialDoc{KeyID: c.KeyID, Plugin: c.Plugin, UpdatedAt: c.UpdatedAt})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].KeyID < docs[j].KeyID })

	switch format {
	case FormatJSON:
		return encodeJSON(w, docs)
	case FormatYAML:
		return encodeYAML(w, docs)
	case FormatTable, "":
	default:
		return fmt.Errorf("unknown output format: %q", format)
	}

	var buf bytes.Buffer
	t := newTable(&buf)
	t.AppendHeader(table.Row{"KEY", "PLUGIN", "UPDATED"})
	for _, d := range docs {
		t.AppendRow(table.Row{d.KeyID, d.Plugin, d.UpdatedAt.Local().Format(time.DateTime)})
	}
	t.Render()
	_, err := w.Write(buf.Bytes())
	return err
}

type runtimeDoc struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

func EncodeRuntimes(w io.Writer, format string, runtimes map[string]*envmgr.Runtime) error {
	docs := make([]runtimeDoc, 0, len(runtimes))
	for _, r := range runtimes {
		docs = append(docs, runtimeDoc{Name: r.Name, Installed: r.Installed, Version: r.Version, Path: r.Path, Error: r.Error})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })

	switch format {
	case FormatJSON:
		return encodeJSON(w, docs)
	case FormatYAML:
		return encodeYAML(w, docs)
	case FormatTable, "":
	default:
		return fmt.Errorf("unknown output format: %q", format)
	}

	var buf bytes.Buffer
	t := newTable(&buf)
	t.AppendHeader(table.Row{"RUNTIME", "STATUS", "VERSION", "PATH"})
	for _, d := range docs {
		status := ReadyStyle.Render("found")
		if !d.Installed {
			status = WarningStyle.Render("missing")
			if d.Error != "" {
				status += DimStyle.Render(" (" + truncate(d.Error, detailWidth) + ")")
			}
		}
		t.AppendRow(table.Row{d.Name, status, d.Version, d.Path})
	}
	t.Render()
	_, err := w.Write(buf.Bytes())
	return err
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	return t
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
