// Package main is a terminal dashboard for watching discharge coordination
// live. It polls the case list over the REST API and follows the selected
// case through the timeline stream client.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/carewire/handoff/model"
	"github.com/carewire/handoff/pkg/timeline"
)

const recentEvents = 12

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "handoffd base URL")
	interval := flag.Duration("interval", 2*time.Second, "case list refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "handoffd health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	casesTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	casesTable.SetTitle("Cases (Enter watch, F5 refresh, F10 quit)").SetBorder(true)

	timelineView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	timelineView.SetTitle("Timeline").SetBorder(true)

	logsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	logsView.SetTitle("Agent Activity").SetBorder(true)

	submitInput := tview.NewInputField().
		SetLabel("Patient -> New case: ")
	submitInput.SetBorder(true).SetTitle("Enter = submit (Name | phone | city | language)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus input, Ctrl+T focus cases",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(timelineView, 0, 3, false).
		AddItem(logsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(casesTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(submitInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedCaseID string
	var lastCases []model.CaseSummary
	var watchCancel context.CancelFunc
	sessions := map[string]*timeline.Session{}

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	// watchCase replaces the active stream subscription. It must run on the
	// UI goroutine; stream updates arrive through QueueUpdateDraw.
	watchCase := func(caseID string) {
		if watchCancel != nil {
			watchCancel()
			watchCancel = nil
		}
		if strings.TrimSpace(caseID) == "" {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		watchCancel = cancel

		timelineView.SetText("Connecting...")
		logsView.SetText("")

		opts := []timeline.ClientOption{
			timeline.WithBackoff(500*time.Millisecond, 5*time.Second),
			timeline.WithUpdateFunc(func(state timeline.State) {
				app.QueueUpdateDraw(func() {
					if caseID != selectedCaseID {
						return
					}
					timelineView.SetText(renderTimeline(state))
					logsView.SetText(renderLogs(state))
				})
			}),
		}
		if sess := sessions[caseID]; sess != nil {
			opts = append(opts, timeline.WithSession(*sess))
		}
		watcher := timeline.NewClient(c.baseURL, caseID, opts...)

		go func() {
			state, err := watcher.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				setStatusAsync(fmt.Sprintf("Stream for %s ended: %v", shortID(caseID), err))
				return
			}
			setStatusAsync(fmt.Sprintf("Case %s finished: %s", shortID(caseID), state.Status))
		}()
	}

	refreshCases := func() {
		cases, err := c.listCases()
		if err != nil {
			app.QueueUpdateDraw(func() {
				casesTable.Clear()
				casesTable.SetCell(0, 0, tview.NewTableCell("load error: "+err.Error()).
					SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		app.QueueUpdateDraw(func() {
			lastCases = cases
			renderCasesTable(casesTable, cases, selectedCaseID)
			if selectedCaseID == "" && len(cases) > 0 {
				selectedCaseID = cases[0].ID
				watchCase(selectedCaseID)
			}
		})
	}

	submitCase := func(input string) {
		input = strings.TrimSpace(input)
		if input == "" {
			return
		}
		payload, err := patientFromInput(input)
		if err != nil {
			setStatusUI("Submit rejected: " + err.Error())
			return
		}
		setStatusUI("Submitting case...")
		submitInput.SetText("")
		go func() {
			created, err := c.submitCase(payload)
			if err != nil {
				setStatusAsync("Submit failed: " + err.Error())
				return
			}
			app.QueueUpdateDraw(func() {
				if created.Session != nil {
					sessions[created.ID] = created.Session
				}
				selectedCaseID = created.ID
				watchCase(created.ID)
				statusView.SetText("Case submitted: " + created.ID)
			})
			refreshCases()
		}()
	}

	submitInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitCase(submitInput.GetText())
	})

	casesTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastCases) {
			return
		}
		selectedCaseID = lastCases[row-1].ID
		watchCase(selectedCaseID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == submitInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(casesTable)
				setStatusUI("Focus -> cases")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(casesTable)
			setStatusUI("Focus -> cases")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshCases()
			setStatusUI("Refreshing...")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(submitInput)
			setStatusUI("Focus -> input")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(casesTable)
			setStatusUI("Focus -> cases")
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			app.SetFocus(submitInput)
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(submitInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshCases()
		for range ticker.C {
			refreshCases()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(submitInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func renderCasesTable(table *tview.Table, cases []model.CaseSummary, selectedCaseID string) {
	table.Clear()
	headers := []string{"Case", "Status", "Step", "Events", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, cs := range cases {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(cs.ID)))
		table.SetCell(row, 1, tview.NewTableCell(cs.Status))
		table.SetCell(row, 2, tview.NewTableCell(cs.CurrentStep))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", cs.EventCount)))
		table.SetCell(row, 4, tview.NewTableCell(cs.UpdatedAt.Format("15:04:05")))
		if cs.ID == selectedCaseID {
			table.Select(row, 0)
		}
	}
}

func renderTimeline(state timeline.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case: %s  status=%s\n", shortID(state.CaseID), state.Status)
	if state.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", state.Error)
	}
	b.WriteString("\n")

	if len(state.StepOrder) == 0 {
		b.WriteString("No steps yet\n")
	}
	for _, name := range state.StepOrder {
		st := state.Step(name)
		fmt.Fprintf(&b, "%s %-11s %s\n", stepMark(st.Status), st.Step, trimLine(st.Description, 70))
	}

	b.WriteString("\nRecent updates:\n")
	events := state.Events
	if len(events) > recentEvents {
		events = events[len(events)-recentEvents:]
	}
	for _, ev := range events {
		fmt.Fprintf(&b, "[%s] %-11s %s\n", ev.At.Format("15:04:05"), ev.Step, trimLine(ev.Description, 70))
	}
	return b.String()
}

func stepMark(status string) string {
	switch status {
	case model.StepStatusCompleted:
		return "[x]"
	case model.StepStatusInProgress:
		return "[>]"
	case model.StepStatusFailed:
		return "[!]"
	default:
		return "[ ]"
	}
}

func renderLogs(state timeline.State) string {
	var b strings.Builder
	for _, ev := range state.Events {
		switch ev.Kind {
		case model.KindAgentLog:
			fmt.Fprintf(&b, "[%s] %s: %s\n", ev.At.Format("15:04:05"), ev.Agent, trimLine(ev.Description, 80))
			for _, line := range ev.Logs {
				b.WriteString("  " + trimLine(line, 100) + "\n")
			}
		case model.KindConversationLog:
			fmt.Fprintf(&b, "[%s] call by %s: %s\n", ev.At.Format("15:04:05"), ev.Agent, trimLine(ev.Description, 80))
			for _, line := range ev.Logs {
				b.WriteString("  > " + trimLine(line, 100) + "\n")
			}
		}
	}
	if b.Len() == 0 {
		return "No agent activity"
	}
	return b.String()
}

// patientFromInput turns "Name | phone | city | language" into a submission
// payload. Only the name is required.
func patientFromInput(input string) (map[string]any, error) {
	parts := strings.Split(input, "|")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return nil, fmt.Errorf("patient name is required")
	}
	payload := map[string]any{"name": name}
	for i, key := range []string{"phone", "city", "language"} {
		if len(parts) > i+1 {
			if v := strings.TrimSpace(parts[i+1]); v != "" {
				payload[key] = v
			}
		}
	}
	return payload, nil
}

type caseCreated struct {
	model.Case
	Session *timeline.Session `json:"session"`
}

func (c *client) listCases() ([]model.CaseSummary, error) {
	var out struct {
		Data  []model.CaseSummary `json:"data"`
		Count int                 `json:"count"`
	}
	if err := c.getJSON("/api/cases?limit=50", &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *client) submitCase(payload map[string]any) (*caseCreated, error) {
	var out caseCreated
	if err := c.postJSON("/api/cases", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
