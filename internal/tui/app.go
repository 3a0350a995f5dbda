package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/jask/beatadmin/internal/auth"
	"github.com/jask/beatadmin/internal/config"
	"github.com/jask/beatadmin/internal/docstore"
	"github.com/jask/beatadmin/internal/selection"
	"github.com/jask/beatadmin/internal/service"
)

// saveFailedNotice is shown for any rejected write; the detail goes to the log.
const saveFailedNotice = "could not save changes"

type Catalog interface {
	Create(ctx context.Context, in service.BeatInput) (service.Beat, error)
	Delete(ctx context.Context, id string) error
	Watch(ctx context.Context) (<-chan []service.Beat, error)
}

type Phones interface {
	Add(ctx context.Context, number string) (selection.Item, error)
	Remove(ctx context.Context, id string) error
	Activate(ctx context.Context, id string) error
	Watch(ctx context.Context) (<-chan []selection.Item, error)
}

type Maintenance interface {
	Reset(ctx context.Context) error
}

type Services struct {
	Catalog     Catalog
	Phones      Phones
	Maintenance Maintenance
}

// App ties together the catalog and settings screens.
type App struct {
	ctx      context.Context
	services Services
	log      *zap.Logger
	currency string
	strategy string
	keys     keyMap

	state          appState
	modal          modalState
	beats          []service.Beat
	phones         []selection.Item
	catalogCursor  int
	settingsCursor int
	filter         string
	search         textinput.Model
	form           *form
	status         string
}

type appState string

const (
	viewCatalog  appState = "catalog"
	viewSettings appState = "settings"
)

type modalState string

const (
	modalNone         modalState = ""
	modalUpload       modalState = "upload"
	modalSearch       modalState = "search"
	modalNewPhone     modalState = "newPhone"
	modalConfirmReset modalState = "confirmReset"
)

func New(ctx context.Context, cfg config.Config, services Services, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	search := textinput.New()
	search.Prompt = "/ "
	search.Placeholder = "title or genre"
	return &App{
		ctx:      ctx,
		services: services,
		log:      log.Named("tui"),
		currency: cfg.UI.CurrencySymbol,
		strategy: cfg.Selection.Strategy,
		keys:     defaultKeys(),
		state:    viewCatalog,
		search:   search,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.watchCatalog(), a.watchPhones())
}

// live views

func (a *App) watchCatalog() tea.Cmd {
	return func() tea.Msg {
		ch, err := a.services.Catalog.Watch(a.ctx)
		if err != nil {
			return errMsg{fmt.Errorf("watch catalog: %w", err)}
		}
		return nextBeats(ch)()
	}
}

func nextBeats(ch <-chan []service.Beat) tea.Cmd {
	return func() tea.Msg {
		beats, ok := <-ch
		if !ok {
			return watchClosedMsg("catalog")
		}
		return beatsMsg{beats: beats, ch: ch}
	}
}

func (a *App) watchPhones() tea.Cmd {
	return func() tea.Msg {
		ch, err := a.services.Phones.Watch(a.ctx)
		if err != nil {
			return errMsg{fmt.Errorf("watch phones: %w", err)}
		}
		return nextPhones(ch)()
	}
}

func nextPhones(ch <-chan []selection.Item) tea.Cmd {
	return func() tea.Msg {
		items, ok := <-ch
		if !ok {
			return watchClosedMsg("phones")
		}
		return phonesMsg{items: items, ch: ch}
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.KeyMsg:
		if m.String() == "ctrl+c" {
			return a, tea.Quit
		}
		if a.modal != modalNone {
			return a.handleModalKey(m)
		}
		if a.state == viewSettings {
			return a.handleSettingsKey(m)
		}
		return a.handleCatalogKey(m)
	case beatsMsg:
		a.beats = m.beats
		a.clampCursors()
		return a, nextBeats(m.ch)
	case phonesMsg:
		a.phones = m.items
		a.clampCursors()
		return a, nextPhones(m.ch)
	case watchClosedMsg:
		a.log.Debug("watch closed", zap.String("view", string(m)))
	case statusMsg:
		a.status = string(m)
	case errMsg:
		a.log.Error("background error", zap.Error(m.error))
		a.status = "error: " + m.Error()
	}
	return a, nil
}

func (a *App) View() string {
	var body string
	switch a.state {
	case viewSettings:
		body = a.renderSettings()
	default:
		body = a.renderCatalog()
	}
	if a.modal != modalNone {
		body += "\n\n" + a.renderModal()
	}
	if a.status != "" {
		style := statusStyle
		if a.status == saveFailedNotice || strings.HasPrefix(a.status, "error:") {
			style = statusErrStyle
		}
		body += "\n" + style.Render(a.status)
	}
	return body
}

// key handling

func (a *App) handleCatalogKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	visible := a.visibleBeats()
	switch {
	case key.Matches(m, a.keys.Quit):
		return a, tea.Quit
	case key.Matches(m, a.keys.Settings):
		a.state = viewSettings
		a.status = ""
	case key.Matches(m, a.keys.Up):
		if a.catalogCursor > 0 {
			a.catalogCursor--
		}
	case key.Matches(m, a.keys.Down):
		if a.catalogCursor < len(visible)-1 {
			a.catalogCursor++
		}
	case key.Matches(m, a.keys.Upload):
		a.modal = modalUpload
		a.form = newForm("Upload beat", []formField{
			{Key: "title", Label: "Title"},
			{Key: "genre", Label: "Genre"},
			{Key: "bpm", Label: "BPM", Placeholder: "140"},
			{Key: "price", Label: "Price", Placeholder: "29.99"},
			{Key: "audio", Label: "Audio file", Placeholder: "~/beats/track.wav"},
			{Key: "cover", Label: "Cover image", Placeholder: "optional"},
		})
		a.status = ""
	case key.Matches(m, a.keys.Search):
		a.modal = modalSearch
		a.search.SetValue(a.filter)
		return a, a.search.Focus()
	case key.Matches(m, a.keys.Delete):
		if len(visible) == 0 {
			return a, nil
		}
		return a, a.deleteBeatCmd(visible[a.catalogCursor])
	case key.Matches(m, a.keys.Clear):
		a.filter = ""
		a.catalogCursor = 0
	}
	return a, nil
}

func (a *App) handleSettingsKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(m, a.keys.Quit):
		return a, tea.Quit
	case key.Matches(m, a.keys.Catalog):
		a.state = viewCatalog
		a.status = ""
	case key.Matches(m, a.keys.Up):
		if a.settingsCursor > 0 {
			a.settingsCursor--
		}
	case key.Matches(m, a.keys.Down):
		if a.settingsCursor < len(a.phones)-1 {
			a.settingsCursor++
		}
	case key.Matches(m, a.keys.NewPhone):
		a.modal = modalNewPhone
		a.form = newForm("New phone number", []formField{{Key: "number", Label: "Number", Placeholder: "+61 400 000 000"}})
		a.status = ""
	case key.Matches(m, a.keys.Activate):
		if len(a.phones) == 0 {
			a.status = "no phone numbers"
			return a, nil
		}
		return a, a.activatePhoneCmd(a.phones[a.settingsCursor])
	case key.Matches(m, a.keys.Delete):
		if len(a.phones) == 0 {
			return a, nil
		}
		return a, a.removePhoneCmd(a.phones[a.settingsCursor])
	case key.Matches(m, a.keys.Reset):
		a.modal = modalConfirmReset
	}
	return a, nil
}

func (a *App) handleModalKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.modal {
	case modalConfirmReset:
		switch m.String() {
		case "y", "Y":
			a.modal = modalNone
			return a, a.resetCmd()
		case "n", "N", "esc":
			a.modal = modalNone
		}
	case modalSearch:
		switch m.String() {
		case "esc":
			a.modal = modalNone
			a.filter = ""
			a.search.Blur()
		case "enter":
			a.modal = modalNone
			a.search.Blur()
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(m)
			a.filter = strings.TrimSpace(a.search.Value())
			a.catalogCursor = 0
			return a, cmd
		}
	case modalUpload, modalNewPhone:
		cmd, submitted, cancelled := a.form.update(m)
		switch {
		case cancelled:
			a.modal, a.form = modalNone, nil
		case submitted:
			vals := a.form.values()
			mode := a.modal
			if mode == modalNewPhone {
				a.modal, a.form = modalNone, nil
				return a, a.addPhoneCmd(vals["number"])
			}
			in, err := beatInputFrom(vals)
			if err != nil {
				a.status = err.Error()
				return a, nil
			}
			a.modal, a.form = modalNone, nil
			a.status = "uploading..."
			return a, a.uploadCmd(in, vals["audio"], vals["cover"])
		}
		return a, cmd
	}
	return a, nil
}

// commands

func (a *App) uploadCmd(in service.BeatInput, audioPath, coverPath string) tea.Cmd {
	return func() tea.Msg {
		var closers []io.Closer
		defer func() {
			for _, c := range closers {
				_ = c.Close()
			}
		}()
		open := func(p string) (*service.Upload, error) {
			f, err := os.Open(expandHome(p))
			if err != nil {
				return nil, fmt.Errorf("cannot read %s", p)
			}
			closers = append(closers, f)
			return &service.Upload{Name: filepath.Base(p), Body: f}, nil
		}
		if audioPath != "" {
			u, err := open(audioPath)
			if err != nil {
				return statusMsg(err.Error())
			}
			in.Audio = u
		}
		if coverPath != "" {
			u, err := open(coverPath)
			if err != nil {
				return statusMsg(err.Error())
			}
			in.Cover = u
		}
		beat, err := a.services.Catalog.Create(a.ctx, in)
		return a.writeResult("upload beat", err, fmt.Sprintf("uploaded %q", beat.Title))
	}
}

func (a *App) deleteBeatCmd(b service.Beat) tea.Cmd {
	return func() tea.Msg {
		err := a.services.Catalog.Delete(a.ctx, b.ID)
		return a.writeResult("delete beat", err, fmt.Sprintf("deleted %q", b.Title))
	}
}

func (a *App) addPhoneCmd(number string) tea.Cmd {
	return func() tea.Msg {
		item, err := a.services.Phones.Add(a.ctx, number)
		return a.writeResult("add phone", err, "added "+item.Value)
	}
}

func (a *App) removePhoneCmd(it selection.Item) tea.Cmd {
	return func() tea.Msg {
		err := a.services.Phones.Remove(a.ctx, it.ID)
		return a.writeResult("remove phone", err, "removed "+it.Value)
	}
}

func (a *App) activatePhoneCmd(it selection.Item) tea.Cmd {
	return func() tea.Msg {
		err := a.services.Phones.Activate(a.ctx, it.ID)
		return a.writeResult("activate phone", err, it.Value+" is now active")
	}
}

func (a *App) resetCmd() tea.Cmd {
	return func() tea.Msg {
		if a.services.Maintenance == nil {
			return errMsg{fmt.Errorf("maintenance not configured")}
		}
		err := a.services.Maintenance.Reset(a.ctx)
		return a.writeResult("reset", err, "all data cleared")
	}
}

// writeResult maps a write outcome to a status line. Precondition failures
// are shown as is; anything else is logged and reported generically.
func (a *App) writeResult(op string, err error, ok string) tea.Msg {
	if err == nil {
		return statusMsg(ok)
	}
	if isPrecondition(err) {
		return statusMsg(err.Error())
	}
	a.log.Error(op+" failed", zap.Error(err))
	return statusMsg(saveFailedNotice)
}

func isPrecondition(err error) bool {
	for _, target := range []error{
		service.ErrInvalidBeat,
		service.ErrInvalidPhone,
		selection.ErrEmptyValue,
		auth.ErrUnauthenticated,
		docstore.ErrNotFound,
	} {
		if errors.Is(err, target) && !errors.Is(err, selection.ErrPartialActivation) {
			return true
		}
	}
	return false
}

func beatInputFrom(vals map[string]string) (service.BeatInput, error) {
	in := service.BeatInput{Title: vals["title"], Genre: vals["genre"]}
	if s := vals["bpm"]; s != "" {
		bpm, err := strconv.Atoi(s)
		if err != nil {
			return in, fmt.Errorf("bpm must be a whole number")
		}
		in.BPM = bpm
	}
	price, err := service.ParsePrice(vals["price"])
	if err != nil {
		return in, err
	}
	in.PriceCents = price
	return in, nil
}

func expandHome(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return p
}

func (a *App) visibleBeats() []service.Beat {
	return service.RankBeats(a.beats, a.filter)
}

func (a *App) clampCursors() {
	if n := len(a.visibleBeats()); a.catalogCursor >= n {
		a.catalogCursor = max(0, n-1)
	}
	if a.settingsCursor >= len(a.phones) {
		a.settingsCursor = max(0, len(a.phones)-1)
	}
}

// messages
type beatsMsg struct {
	beats []service.Beat
	ch    <-chan []service.Beat
}

type phonesMsg struct {
	items []selection.Item
	ch    <-chan []selection.Item
}

type watchClosedMsg string

type statusMsg string

type errMsg struct{ error }

func (a *App) renderCatalog() string {
	title := titleStyle.Render("Beat Catalog")
	out := title + "\n"
	if a.filter != "" {
		out += dimStyle.Render(fmt.Sprintf("filter: %q", a.filter)) + "\n"
	}
	visible := a.visibleBeats()
	if len(visible) == 0 {
		out += "  (no beats yet)\n"
	}
	for i, b := range visible {
		marker := " "
		if i == a.catalogCursor {
			marker = cursorStyle.Render("▶")
		}
		cover := ""
		if b.CoverURL != "" {
			cover = " [cover]"
		}
		out += fmt.Sprintf("%s %-32s  %-12s  %3d bpm  %s%8.2f%s\n", marker, b.Title, b.Genre, b.BPM, a.currency, float64(b.PriceCents)/100, cover)
	}
	if len(visible) > 0 {
		out += dimStyle.Render(visible[a.catalogCursor].AudioURL) + "\n"
	}
	out += renderFooter(a.keys.catalogHelp())
	return out
}

func (a *App) renderSettings() string {
	title := titleStyle.Render("Settings")
	out := title + "\n"
	out += fmt.Sprintf("Phone numbers (activation: %s)\n", a.strategy)
	if len(a.phones) == 0 {
		out += "  (no phone numbers yet)\n"
	}
	for i, p := range a.phones {
		marker := " "
		if i == a.settingsCursor {
			marker = cursorStyle.Render("▶")
		}
		line := p.Value
		if p.Active {
			line = activeStyle.Render(line + "  (active)")
		}
		out += fmt.Sprintf("%s %s\n", marker, line)
	}
	out += dimStyle.Render("Reset all clears the catalog, phone numbers and uploads.") + "\n"
	out += renderFooter(a.keys.settingsHelp())
	return out
}

func (a *App) renderModal() string {
	switch a.modal {
	case modalConfirmReset:
		return titleStyle.Render("Reset all data?") + "\nThis will delete every beat, phone number and upload.\n[y] Yes  [n] No"
	case modalSearch:
		return titleStyle.Render("Search") + "\n" + a.search.View() + "\n[enter] Keep filter  [esc] Clear"
	case modalUpload, modalNewPhone:
		if a.form != nil {
			return a.form.view()
		}
	}
	return ""
}
