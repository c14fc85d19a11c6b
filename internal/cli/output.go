package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд: таблицей для человека или JSON для pipe.
// Данные идут в w, сообщения о выполненных действиях в errW.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выводит таблицу или v целиком в режиме --json.
func (o *Output) Print(headers []string, rows [][]string, v any) error {
	if o.jsonMode {
		return o.JSON(v)
	}
	return o.Table(headers, rows)
}

// Table выводит строки под заголовком и подчёркиванием.
func (o *Output) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	underline := make([]string, len(headers))
	for i, h := range headers {
		underline[i] = strings.Repeat("-", len(h))
	}
	lines := append([][]string{headers, underline}, rows...)
	for _, cells := range lines {
		if _, err := fmt.Fprintln(tw, strings.Join(cells, "\t")); err != nil {
			return fmt.Errorf("write table: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush table: %w", err)
	}
	return nil
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// Success сообщает о выполненном действии. В режиме --json молчит,
// чтобы stdout и stderr не смешивались в скриптах с 2>&1.
func (o *Output) Success(format string, args ...any) {
	if o.jsonMode {
		return
	}
	fmt.Fprintf(o.errW, format+"\n", args...)
}

// --- Строки таблиц по ресурсам ---

var (
	runHeaders       = []string{"ID", "KIND", "NAME", "STATE", "RUN_COUNT", "CREATED"}
	stateHeaders     = []string{"TIMESTAMP", "TYPE", "NAME", "MESSAGE"}
	resultHeaders    = []string{"STATUS", "STATE", "RULE", "REASON", "RETRY_AFTER"}
	limitHeaders     = []string{"KEY", "LIMIT", "ACTIVE", "UPDATED"}
	workQueueHeaders = []string{"ID", "NAME", "STATUS", "PAUSED", "LIMIT", "PRIORITY", "LAST_POLLED"}
	queueHealthHeads = []string{"NAME", "STATUS", "HEALTHY", "LATE_RUNS", "LAST_POLLED"}
	materializeHeads = []string{"SCHEDULE_ID", "OCCURRENCES", "CREATED", "EXISTING"}
)

func runRow(r *RunResponse) []string {
	return []string{r.ID, r.Kind, r.Name, r.StateType(), strconv.Itoa(r.RunCount), r.CreatedAt}
}

func stateRows(states []StateResponse) [][]string {
	rows := make([][]string, len(states))
	for i, s := range states {
		rows[i] = []string{s.Timestamp, s.Type, s.Name, s.Message}
	}
	return rows
}

func resultRow(res *ResultResponse) []string {
	state := "-"
	if res.State != nil {
		state = res.State.Type
	}
	wait := ""
	if res.RetryAfterSeconds > 0 {
		wait = fmt.Sprintf("%.1fs", res.RetryAfterSeconds)
	}
	return []string{res.Status, state, res.Rule, res.Reason, wait}
}

func limitRows(limits []LimitResponse) [][]string {
	rows := make([][]string, len(limits))
	for i, l := range limits {
		rows[i] = []string{l.Key, strconv.Itoa(l.Limit), strconv.Itoa(len(l.ActiveSlots)), l.UpdatedAt}
	}
	return rows
}

func workQueueRow(q *WorkQueueResponse) []string {
	limit := "-"
	if q.ConcurrencyLimit != nil {
		limit = strconv.Itoa(*q.ConcurrencyLimit)
	}
	return []string{q.ID, q.Name, q.Status, strconv.FormatBool(q.IsPaused), limit, strconv.Itoa(q.Priority), polledOrNever(q.LastPolled)}
}

func queueHealthRow(name string, st *WorkQueueStatusResponse) []string {
	return []string{name, st.Status, strconv.FormatBool(st.Healthy), strconv.Itoa(st.LateRunsCount), polledOrNever(st.LastPolled)}
}

func materializeRows(results []MaterializeResponse) [][]string {
	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = []string{r.ScheduleID, strconv.Itoa(len(r.Occurrences)), strconv.Itoa(r.Created), strconv.Itoa(r.Existing)}
	}
	return rows
}

func polledOrNever(ts string) string {
	if ts == "" {
		return "never"
	}
	return ts
}
