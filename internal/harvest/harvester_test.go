package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invoice-harvester/internal/config"
	"invoice-harvester/internal/models"
	"invoice-harvester/internal/retry"
)

const (
	validPDF   = "%PDF-1.4\n% faktura\n%%EOF\n"
	privacyPDF = "%PDF-1.4\n% Polityka prywatności sklepu\n%%EOF\n"
)

// Wednesday; the two most recent weeks are 10-16 and 3-9 March 2024
var testNow = time.Date(2024, time.March, 13, 10, 0, 0, 0, time.Local)

type listRow struct {
	date  string
	order string
}

func listHTML(rows ...listRow) string {
	var b strings.Builder
	b.WriteString("<table><thead><tr><th>Data</th><th>Zamówienie</th><th></th></tr></thead><tbody>")
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr><td>Data: %s</td><td>Nr zamówienia: %s</td><td><span class="table-tag">Szczegóły</span></td></tr>`, r.date, r.order)
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

const invoiceDocuments = `<table><tbody>
<tr><td>Regulamin</td><td><button>Pobierz</button></td></tr>
<tr><td>Faktura VAT</td><td><button>Pobierz</button></td></tr>
</tbody></table>`

// fakeSession plays the portal: a fixed list table and, per list row, the
// bytes the download event produces
type fakeSession struct {
	list      string
	downloads map[int]string

	openErr  error
	loginErr error
	listDown bool
	panicMsg string

	current     int
	opened      []int
	rowClicks   int
	screenshots []string
	closed      int
}

func (f *fakeSession) Open(ctx context.Context) error { return f.openErr }

func (f *fakeSession) Login(ctx context.Context, login, password string) error {
	if f.loginErr != nil {
		return &models.LoginError{User: login, Err: f.loginErr}
	}
	return nil
}

func (f *fakeSession) Screenshot(ctx context.Context, path string) error {
	f.screenshots = append(f.screenshots, path)
	return os.WriteFile(path, []byte("png"), 0644)
}

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

func (f *fakeSession) TryAction(ctx context.Context, description string, maxRetries int, action func(ctx context.Context) error) bool {
	return retry.TryAction(ctx, zap.NewNop(), description, maxRetries, 0, action)
}

func (f *fakeSession) GoToInvoiceList(ctx context.Context) bool {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return !f.listDown
}

func (f *fakeSession) ListTableHTML(ctx context.Context) (string, error) { return f.list, nil }
func (f *fakeSession) Reload(ctx context.Context) error                  { return nil }

func (f *fakeSession) OpenOrderRow(ctx context.Context, row int) error {
	f.current = row
	f.opened = append(f.opened, row)
	return nil
}

func (f *fakeSession) OpenDocuments(ctx context.Context) error { return nil }

func (f *fakeSession) DocumentTableHTML(ctx context.Context) (string, error) {
	return invoiceDocuments, nil
}

func (f *fakeSession) DownloadFromRow(ctx context.Context, row int, dest string, timeout time.Duration) (string, error) {
	f.rowClicks++
	body, ok := f.downloads[f.current]
	if !ok {
		return "", errors.New("no download event")
	}
	return dest, os.WriteFile(dest, []byte(body), 0644)
}

func (f *fakeSession) ForceClickDownload(ctx context.Context, row int, dest string) (string, error) {
	return "", errors.New("no download event")
}

func (f *fakeSession) DownloadViaNewTab(ctx context.Context, row int, dest string, timeout time.Duration) (string, error) {
	return "", errors.New("no new tab opened")
}

func (f *fakeSession) FindDocumentAPIURL(ctx context.Context) (string, error) {
	return "", errors.New("no document API link on page")
}

func (f *fakeSession) FetchInPage(ctx context.Context, url string) ([]byte, error) {
	return nil, errors.New("unreachable")
}

func (f *fakeSession) Cookies(ctx context.Context) ([]*http.Cookie, error) { return nil, nil }

func (f *fakeSession) Wait(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }

type engine bool

func (e engine) Available() bool { return bool(e) }

type recordedRun struct {
	stats    models.RunStats
	err      error
	invoices []models.InvoiceRecord
}

type fakeRecorder struct{ runs []recordedRun }

func (r *fakeRecorder) RecordRun(ctx context.Context, stats models.RunStats, runErr error, invoices []models.InvoiceRecord) error {
	r.runs = append(r.runs, recordedRun{stats, runErr, invoices})
	return nil
}

type fakeArchiver struct{ uploaded []string }

func (a *fakeArchiver) Upload(ctx context.Context, localPath string) (string, error) {
	a.uploaded = append(a.uploaded, localPath)
	return "archive/" + filepath.Base(localPath), nil
}

type recordingSink struct {
	progress []int
	status   []string
}

func (s *recordingSink) Progress(p int)    { s.progress = append(s.progress, p) }
func (s *recordingSink) Status(txt string) { s.status = append(s.status, txt) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Login = "apteka@example.pl"
	cfg.Password = "secret"
	cfg.WeeksToProcess = 2
	cfg.DownloadBasePath = t.TempDir()
	return cfg
}

func newTestHarvester(cfg *config.Config, session *fakeSession, opts ...Option) (*Harvester, *int) {
	created := 0
	base := []Option{
		WithEngineChecker(engine(true)),
		WithSessionFactory(func(*config.Config, *zap.Logger) Session {
			created++
			return session
		}),
		WithClock(func() time.Time { return testNow }),
	}
	return New(cfg, zap.NewNop(), append(base, opts...)...), &created
}

func TestRunCreatesWeeklyFoldersMostRecentFirst(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{list: listHTML()}
	h, _ := newTestHarvester(cfg, session)
	sink := &recordingSink{}

	stats, err := h.Run(context.Background(), sink)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(cfg.DownloadBasePath, "2024-03-10_do_2024-03-16"))
	assert.DirExists(t, filepath.Join(cfg.DownloadBasePath, "2024-03-03_do_2024-03-09"))
	assert.Equal(t, []int{5, 50, 95, 100}, sink.progress)
	assert.Contains(t, sink.status[len(sink.status)-2], "2024-03-03_do_2024-03-09")

	assert.Equal(t, []string{
		filepath.Join(cfg.DownloadBasePath, "zamowienia_tabela_1.png"),
		filepath.Join(cfg.DownloadBasePath, "zamowienia_tabela_2.png"),
	}, session.screenshots)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 1, session.closed)
	assert.NotEmpty(t, stats.RunID)
}

func TestRunDownloadsInvoiceOfMatchingRange(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		list:      listHTML(listRow{"05.03.2024", "ZS/123/456/UR"}, listRow{"20.02.2024", "ZS/9/9/UR"}),
		downloads: map[int]string{1: validPDF},
	}
	h, _ := newTestHarvester(cfg, session)

	stats, err := h.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ProcessedOrders)
	assert.Equal(t, 1, stats.DownloadedInvoices)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, []int{1}, session.opened, "the February order is out of both ranges")
	assert.FileExists(t, filepath.Join(cfg.DownloadBasePath, "2024-03-03_do_2024-03-09", "faktura_ZS_123_456_UR.pdf"))
}

func TestRunProcessesDuplicateOrderOnce(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		list: listHTML(
			listRow{"12.03.2024", "ZS/200/1/UR"},
			listRow{"12.03.2024", "ZS/200/1/UR"},
		),
		downloads: map[int]string{1: validPDF, 2: validPDF},
	}
	h, _ := newTestHarvester(cfg, session)

	stats, err := h.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, session.opened)
	assert.Equal(t, 1, session.rowClicks)
	assert.Equal(t, 1, stats.DownloadedInvoices)
}

func TestRunWrongDocumentNotCounted(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		list:      listHTML(listRow{"05.03.2024", "ZS/123/456/UR"}),
		downloads: map[int]string{1: privacyPDF},
	}
	h, _ := newTestHarvester(cfg, session)

	stats, err := h.Run(context.Background(), nil)
	require.NoError(t, err)

	folder := filepath.Join(cfg.DownloadBasePath, "2024-03-03_do_2024-03-09")
	assert.Zero(t, stats.DownloadedInvoices)
	assert.Zero(t, stats.ProcessedOrders)
	assert.FileExists(t, filepath.Join(folder, "faktura_ZS_123_456_UR_polityka_prywatnosci.pdf"))
	assert.NoFileExists(t, filepath.Join(folder, "faktura_ZS_123_456_UR.pdf"))
}

func TestRunEngineUnavailable(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{}
	h, created := newTestHarvester(cfg, session, WithEngineChecker(engine(false)))

	stats, err := h.Run(context.Background(), nil)

	var engineErr *models.EngineUnavailableError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, 1, stats.Errors)
	assert.Zero(t, *created, "no session is created without a browser")
}

func TestRunLoginFailure(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{loginErr: errors.New("bad password")}
	h, _ := newTestHarvester(cfg, session)
	sink := &recordingSink{}

	stats, err := h.Run(context.Background(), sink)

	var loginErr *models.LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, 1, stats.Errors)
	assert.Empty(t, sink.progress)
	assert.Equal(t, 1, session.closed)
	assert.NoDirExists(t, filepath.Join(cfg.DownloadBasePath, "2024-03-10_do_2024-03-16"))
}

func TestRunBrowserStartFailure(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{openErr: &models.EngineUnavailableError{Reason: "failed to start browser"}}
	h, _ := newTestHarvester(cfg, session)

	stats, err := h.Run(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, session.closed)
}

func TestRunRecoversFromPanic(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{panicMsg: "page crashed"}
	h, _ := newTestHarvester(cfg, session)

	stats, err := h.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, session.closed)
}

func TestRunSkipsUnreachableList(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{listDown: true, list: listHTML(listRow{"05.03.2024", "ZS/1/1/UR"})}
	h, _ := newTestHarvester(cfg, session)
	sink := &recordingSink{}

	stats, err := h.Run(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Errors)
	assert.Empty(t, session.opened)
	assert.Equal(t, []int{5, 50, 95, 100}, sink.progress)
}

func TestRunCancelledStopsBeforeRanges(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{list: listHTML(listRow{"05.03.2024", "ZS/1/1/UR"})}
	h, _ := newTestHarvester(cfg, session)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Run(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, sink.progress, "100 is only reported for a completed run")
	assert.Empty(t, session.opened)
	assert.Equal(t, 1, session.closed)
}

func TestRunRecordsAndArchives(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		list:      listHTML(listRow{"05.03.2024", "ZS/123/456/UR"}),
		downloads: map[int]string{1: validPDF},
	}
	recorder := &fakeRecorder{}
	archiver := &fakeArchiver{}
	h, _ := newTestHarvester(cfg, session, WithRecorder(recorder), WithArchiver(archiver))

	stats, err := h.Run(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, recorder.runs, 1)
	rec := recorder.runs[0]
	assert.Equal(t, stats.RunID, rec.stats.RunID)
	assert.NoError(t, rec.err)
	require.Len(t, rec.invoices, 1)
	assert.Equal(t, "ZS/123/456/UR", rec.invoices[0].OrderNumber)
	assert.Equal(t, "download-event", rec.invoices[0].Strategy)
	assert.Equal(t, "archive/faktura_ZS_123_456_UR.pdf", rec.invoices[0].ArchiveKey)
	assert.Len(t, archiver.uploaded, 1)
}

func TestRunRecordsFatalRuns(t *testing.T) {
	cfg := testConfig(t)
	recorder := &fakeRecorder{}
	h, _ := newTestHarvester(cfg, &fakeSession{loginErr: errors.New("denied")}, WithRecorder(recorder))

	_, err := h.Run(context.Background(), nil)
	require.Error(t, err)
	require.Len(t, recorder.runs, 1)
	assert.Error(t, recorder.runs[0].err)
	assert.Equal(t, 1, recorder.runs[0].stats.Errors)
}

type panickingArchiver struct{}

func (panickingArchiver) Upload(ctx context.Context, localPath string) (string, error) {
	panic("s3 client not initialized")
}

type panickingRecorder struct{}

func (panickingRecorder) RecordRun(ctx context.Context, stats models.RunStats, runErr error, invoices []models.InvoiceRecord) error {
	panic("database closed")
}

func TestRunContainsArchiverPanic(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		list:      listHTML(listRow{"05.03.2024", "ZS/123/456/UR"}),
		downloads: map[int]string{1: validPDF},
	}
	recorder := &fakeRecorder{}
	h, _ := newTestHarvester(cfg, session, WithRecorder(recorder), WithArchiver(panickingArchiver{}))

	var stats models.RunStats
	var err error
	require.NotPanics(t, func() { stats, err = h.Run(context.Background(), nil) })
	require.NoError(t, err)

	assert.Equal(t, 1, stats.DownloadedInvoices)
	assert.Equal(t, 1, stats.Errors)
	require.Len(t, recorder.runs, 1, "history is still recorded after the archive step fails")
	assert.Equal(t, 1, recorder.runs[0].stats.Errors)
	assert.Empty(t, recorder.runs[0].invoices[0].ArchiveKey)
}

func TestStartSurvivesRecorderPanic(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		list:      listHTML(listRow{"05.03.2024", "ZS/123/456/UR"}),
		downloads: map[int]string{1: validPDF},
	}
	h, _ := newTestHarvester(cfg, session, WithRecorder(panickingRecorder{}))

	job := Start(context.Background(), h)
	for range job.Updates {
	}
	res := <-job.Done

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Stats.Errors)
}

func TestStartDeliversUpdatesAndResult(t *testing.T) {
	cfg := testConfig(t)
	session := &fakeSession{
		list:      listHTML(listRow{"12.03.2024", "ZS/200/1/UR"}),
		downloads: map[int]string{1: validPDF},
	}
	h, _ := newTestHarvester(cfg, session)

	job := Start(context.Background(), h)

	var progress []int
	for u := range job.Updates {
		if u.Status == "" {
			progress = append(progress, u.Progress)
		}
	}

	select {
	case res := <-job.Done:
		require.NoError(t, res.Err)
		assert.Equal(t, 1, res.Stats.DownloadedInvoices)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}

	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])

	_, open := <-job.Done
	assert.False(t, open)
}

func TestSinkFuncs(t *testing.T) {
	var got []string
	sink := SinkFuncs{OnStatus: func(s string) { got = append(got, s) }}
	sink.Progress(10)
	sink.Status("Logging in")
	assert.Equal(t, []string{"Logging in"}, got)
}

func TestRangeProgress(t *testing.T) {
	assert.Equal(t, 95, rangeProgress(0, 1))
	assert.Equal(t, 35, rangeProgress(0, 3))
	assert.Equal(t, 65, rangeProgress(1, 3))
	assert.Equal(t, 95, rangeProgress(2, 3))
}
