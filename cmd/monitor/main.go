package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dialog_router/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8093", "router base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "router health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	dialogsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	dialogsTable.SetTitle("Dialogs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	historyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	historyView.SetTitle("History").SetBorder(true)

	notesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	notesView.SetTitle("Notes").SetBorder(true)

	knowledgeView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	knowledgeView.SetTitle("Knowledge").SetBorder(true)

	searchInput := tview.NewInputField().
		SetLabel("Search knowledge: ")
	searchInput.SetBorder(true).SetTitle("Enter = search")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+K focus search, Ctrl+T focus dialogs",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(historyView, 0, 3, false).
		AddItem(notesView, 0, 1, false).
		AddItem(knowledgeView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(dialogsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(searchInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedDialogID int64
	var lastDialogs []domain.Dialog
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshDialogs := func() {
		dialogs, err := c.listDialogs()
		if err != nil {
			app.QueueUpdateDraw(func() {
				dialogsTable.Clear()
				dialogsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(dialogs, func(i, j int) bool {
			return dialogs[i].ID > dialogs[j].ID
		})
		lastDialogs = dialogs
		app.QueueUpdateDraw(func() {
			renderDialogsTable(dialogsTable, dialogs, selectedDialogID)
		})
	}

	refreshDetailsAsync := func(dialogID int64) {
		if dialogID == 0 {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			historyView.SetText("Loading...")
			notesView.SetText("Loading...")
		})

		go func(selected int64, v uint64) {
			type historyResult struct {
				items []domain.MessageLog
				err   error
			}
			type notesResult struct {
				items []domain.Note
				err   error
			}

			historyCh := make(chan historyResult, 1)
			notesCh := make(chan notesResult, 1)

			go func() {
				items, err := c.dialogHistory(selected)
				historyCh <- historyResult{items: items, err: err}
			}()
			go func() {
				items, err := c.dialogNotes(selected)
				notesCh <- notesResult{items: items, err: err}
			}()

			historyRes := <-historyCh
			notesRes := <-notesCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedDialogID {
					return
				}
				if historyRes.err != nil {
					historyView.SetText(fmt.Sprintf("error: %v", historyRes.err))
				} else {
					historyView.SetText(renderHistory(historyRes.items))
				}
				if notesRes.err != nil {
					notesView.SetText(fmt.Sprintf("error: %v", notesRes.err))
				} else {
					notesView.SetText(renderNotes(notesRes.items))
				}
			})
		}(dialogID, version)
	}

	submitSearch := func(query string) {
		query = strings.TrimSpace(query)
		if query == "" {
			return
		}
		setStatusUI("Searching knowledge base...")
		searchInput.SetText("")
		go func(q string) {
			entries, err := c.searchKnowledge(q, 20)
			if err != nil {
				setStatusAsync("Knowledge search failed: " + err.Error())
				return
			}
			app.QueueUpdateDraw(func() {
				knowledgeView.SetText(renderKnowledge(q, entries))
			})
			setStatusAsync(fmt.Sprintf("Knowledge search %q: %d hits", q, len(entries)))
		}(query)
	}

	searchInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitSearch(searchInput.GetText())
	})

	dialogsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastDialogs) {
			return
		}
		selectedDialogID = lastDialogs[row-1].ID
		refreshDetailsAsync(selectedDialogID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == searchInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(dialogsTable)
				setStatusUI("Focus -> dialogs")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(dialogsTable)
			setStatusUI("Focus -> dialogs")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshDialogs()
			refreshDetailsAsync(selectedDialogID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlK:
			app.SetFocus(searchInput)
			setStatusUI("Focus -> search")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(dialogsTable)
			setStatusUI("Focus -> dialogs")
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			if app.GetFocus() == searchInput {
				app.SetFocus(dialogsTable)
			} else {
				app.SetFocus(searchInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(searchInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshDialogs()
		for _, d := range lastDialogs {
			if d.Status == domain.DialogStatusActive || d.Status == domain.DialogStatusEscalated {
				selectedDialogID = d.ID
				break
			}
		}
		if selectedDialogID != 0 {
			refreshDetailsAsync(selectedDialogID)
		}

		for range ticker.C {
			refreshDialogs()
			if selectedDialogID == 0 && len(lastDialogs) > 0 {
				selectedDialogID = lastDialogs[0].ID
			}
			refreshDetailsAsync(selectedDialogID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(dialogsTable).Run(); err != nil {
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

func renderDialogsTable(table *tview.Table, dialogs []domain.Dialog, selectedDialogID int64) {
	table.Clear()
	headers := []string{"Dialog", "Status", "Client", "Agent", "Waiting", "Opened"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	now := time.Now().UTC()
	for i, d := range dialogs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(fmt.Sprintf("#%d", d.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(d.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", d.ClientID)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", d.ManagerID)))
		table.SetCell(row, 4, tview.NewTableCell(waitingLabel(d, now)))
		table.SetCell(row, 5, tview.NewTableCell(d.CreatedAt.Format("02.01 15:04")))
		if d.ID == selectedDialogID {
			table.Select(row, 0)
		}
	}
}

func waitingLabel(d domain.Dialog, now time.Time) string {
	if d.UnansweredSince == nil {
		return "-"
	}
	wait := now.Sub(*d.UnansweredSince).Round(time.Second)
	if wait < 0 {
		wait = 0
	}
	if d.SLAAlertSent {
		return wait.String() + " !"
	}
	return wait.String()
}

func renderHistory(items []domain.MessageLog) string {
	if len(items) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for _, m := range items {
		marker := ""
		if m.IsEdited {
			marker = " (edited)"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s (%s)%s: %s\n",
			m.CreatedAt.Format("02.01 15:04:05"),
			m.SenderName,
			m.SenderRole,
			marker,
			trimLine(m.Text, 120),
		))
	}
	return b.String()
}

func renderNotes(items []domain.Note) string {
	if len(items) == 0 {
		return "No notes"
	}
	var b strings.Builder
	for _, n := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s: %s\n",
			n.CreatedAt.Format("02.01 15:04"),
			n.AuthorName,
			trimLine(n.Text, 140),
		))
	}
	return b.String()
}

func renderKnowledge(query string, entries []domain.KnowledgeEntry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("No entries for %q", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q:\n", query)
	for _, e := range entries {
		b.WriteString(fmt.Sprintf(
			"[%s] %s\n  %s\n",
			e.Keywords,
			e.CreatedAt.Format("02.01.2006"),
			trimLine(e.Text, 200),
		))
	}
	return b.String()
}

func (c *client) listDialogs() ([]domain.Dialog, error) {
	var out []domain.Dialog
	if err := c.getJSON("/dialogs?limit=200", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) dialogHistory(dialogID int64) ([]domain.MessageLog, error) {
	var out []domain.MessageLog
	if err := c.getJSON(fmt.Sprintf("/dialogs/%d/history", dialogID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) dialogNotes(dialogID int64) ([]domain.Note, error) {
	var out []domain.Note
	if err := c.getJSON(fmt.Sprintf("/dialogs/%d/notes", dialogID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) searchKnowledge(query string, limit int) ([]domain.KnowledgeEntry, error) {
	var out []domain.KnowledgeEntry
	path := fmt.Sprintf("/knowledge/search?q=%s&limit=%d", url.QueryEscape(query), limit)
	if err := c.getJSON(path, &out); err != nil {
		return nil, err
	}
	return out, nil
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
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
