package web

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hpungsan/htbwatch/internal/config"
	"github.com/hpungsan/htbwatch/internal/dispatch"
	"github.com/hpungsan/htbwatch/internal/errors"
	"github.com/hpungsan/htbwatch/internal/ops"
	"github.com/hpungsan/htbwatch/internal/session"
	"github.com/hpungsan/htbwatch/internal/spawn"
)

// recentEvents is how many logged events the dashboard shows.
const recentEvents = 15

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// Handlers contains HTTP route handlers for the dashboard.
type Handlers struct {
	db       *sql.DB
	cfg      *config.Config
	sess     *session.Session
	renderer *Renderer
	logger   *slog.Logger
}

// NewHandlers builds the handlers and parses the embedded templates.
func NewHandlers(db *sql.DB, cfg *config.Config, sess *session.Session, version string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic("web: template sub-FS: " + err.Error())
	}
	return &Handlers{
		db:       db,
		cfg:      cfg,
		sess:     sess,
		renderer: NewRenderer(templateSub, version, logger),
		logger:   logger,
	}
}

// WatchView is a spawn watch with its countdown.
type WatchView struct {
	spawn.Watch
	Remaining string `json:"remaining"`
}

// WatchListOutput is the body of GET /api/watches.
type WatchListOutput struct {
	Items []WatchView `json:"items"`
	Count int         `json:"count"`
}

// ArmWatcherRequest is the body of PUT /api/watcher.
type ArmWatcherRequest struct {
	MachineID string `json:"machine_id"`
}

// ArmWatchRequest is the body of POST /api/watches.
type ArmWatchRequest struct {
	MachineID string `json:"machine_id"`
	ReleaseAt string `json:"release_at"`
}

func newWatchView(w spawn.Watch, now time.Time) WatchView {
	return WatchView{Watch: w, Remaining: spawn.FormatRemaining(w.Remaining(now))}
}

// HandleStatus handles GET /: the dashboard page.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := ops.History(r.Context(), h.db, ops.HistoryInput{Limit: recentEvents})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	now := h.sess.Now()
	md := statusMarkdown(h.sess.Status(), recent.Items, now)

	h.renderer.renderPage(w, http.StatusOK, "status", StatusPageData{
		PageData: PageData{
			Title:   "Status",
			Version: h.renderer.version,
		},
		Body:    h.renderer.renderMarkdown(md),
		Updated: formatTime(now),
	})
}

// HandleStatusJSON handles GET /api/status.
func (h *Handlers) HandleStatusJSON(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, h.sess.Status())
}

// HandleWatcherArm handles PUT /api/watcher: point the flag watcher at a machine.
func (h *Handlers) HandleWatcherArm(w http.ResponseWriter, r *http.Request) {
	var req ArmWatcherRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	status, err := h.sess.ArmWatcher(req.MachineID)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, status)
}

// HandleWatcherDisarm handles DELETE /api/watcher.
func (h *Handlers) HandleWatcherDisarm(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, h.sess.DisarmWatcher())
}

// HandleWatchList handles GET /api/watches.
func (h *Handlers) HandleWatchList(w http.ResponseWriter, r *http.Request) {
	now := h.sess.Now()
	watches := h.sess.Watches()

	out := WatchListOutput{Items: make([]WatchView, 0, len(watches)), Count: len(watches)}
	for _, wa := range watches {
		out.Items = append(out.Items, newWatchView(wa, now))
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleWatchArm handles POST /api/watches: schedule a spawn.
func (h *Handlers) HandleWatchArm(w http.ResponseWriter, r *http.Request) {
	var req ArmWatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	now := h.sess.Now()
	releaseAt, err := spawn.ParseRelease(req.ReleaseAt, now)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	wa, err := h.sess.ArmSpawn(req.MachineID, releaseAt)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusCreated, newWatchView(wa, now))
}

// HandleWatchCancel handles DELETE /api/watches/{machine}.
func (h *Handlers) HandleWatchCancel(w http.ResponseWriter, r *http.Request) {
	wa, err := h.sess.CancelSpawn(chi.URLParam(r, "machine"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, wa)
}

// HandleEvents handles GET /api/events: the event log, newest first.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	result, err := ops.History(r.Context(), h.db, ops.HistoryInput{
		Kind:      r.URL.Query().Get("kind"),
		MachineID: r.URL.Query().Get("machine_id"),
		Limit:     parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset:    parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// decodeBody reads a single JSON object from the request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// statusMarkdown lays out the dashboard body.
func statusMarkdown(st session.Status, events []dispatch.Event, now time.Time) string {
	var b strings.Builder

	b.WriteString("## Flag watcher\n\n")
	if st.Watcher.Armed {
		fmt.Fprintf(&b, "Armed for **%s**. %d flag(s) seen, %d sample(s) taken.\n\n",
			mdEscape(st.Watcher.MachineID), st.Watcher.Seen, st.Watcher.Poller.Samples)
	} else {
		b.WriteString("Disarmed.\n\n")
	}

	b.WriteString("## Spawn watches\n\n")
	if len(st.Watches) == 0 {
		b.WriteString("No pending watches.\n\n")
	} else {
		b.WriteString("| Machine | Release (UTC) | Remaining |\n|---|---|---|\n")
		for _, wa := range st.Watches {
			fmt.Fprintf(&b, "| %s | %s | %s |\n",
				mdEscape(wa.MachineID), formatTime(wa.ReleaseAt), spawn.FormatRemaining(wa.Remaining(now)))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recent events\n\n")
	if len(events) == 0 {
		b.WriteString("Nothing logged yet.\n")
		return b.String()
	}
	b.WriteString("| Time (UTC) | Kind | Machine | Result |\n|---|---|---|---|\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "| %s | `%s` | %s | %s |\n",
			formatTime(ev.Time), ev.Kind, mdEscape(ev.MachineID), mdEscape(eventSummary(ev)))
	}
	return b.String()
}

func eventSummary(ev dispatch.Event) string {
	switch ev.Kind {
	case dispatch.KindFlagResult, dispatch.KindSpawnResult:
		verdict := "rejected"
		if ev.Accepted {
			verdict = "accepted"
		}
		if ev.Message == "" {
			return verdict
		}
		return verdict + ": " + ev.Message
	case dispatch.KindSpawnDue:
		return "release " + formatTime(ev.ReleaseAt)
	case dispatch.KindMachineReady:
		if ev.Accepted {
			return "IP " + ev.Message
		}
		return "no IP: " + ev.Message
	default:
		return ev.Message
	}
}

var mdReplacer = strings.NewReplacer("|", `\|`, "\n", " ", "*", `\*`, "_", `\_`, "`", "\\`")

// mdEscape keeps a value inside its table cell.
func mdEscape(s string) string {
	return mdReplacer.Replace(s)
}
