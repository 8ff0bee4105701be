// Package inbox watches a drop folder for bank CSV exports and imports
// them into the ledger. Files in the inbox root go to the default
// account; files in a subdirectory go to the account named after it. A
// subdirectory may carry its own profile.yaml.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/importer"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/reconcile"
	"github.com/fsnotify/fsnotify"
)

const (
	inboxDirPerm = fs.FileMode(0o700)

	// ProcessedDir and FailedDir receive files after an import attempt.
	ProcessedDir = "processed"
	FailedDir    = "failed"

	// ProfileFile is the per-directory profile override.
	ProfileFile = "profile.yaml"

	// debounceInterval is how often pending files are checked.
	debounceInterval = 500 * time.Millisecond

	// settleTime is how long a file must go unmodified before import,
	// so half-written downloads are not parsed.
	settleTime = time.Second
)

var errNoAccount = errors.New("no account for import")

// ledgerStore is the subset of ledger.Store the inbox needs.
type ledgerStore interface {
	ResolveAccount(ref string) (ledger.Account, bool)
	Summaries(accountID string) []reconcile.Existing
	Apply(matches []reconcile.Match) (ledger.ApplyResult, error)
}

// Result describes one imported file.
type Result struct {
	File      string             `json:"file"`
	AccountID string             `json:"account_id"`
	Summary   reconcile.Summary  `json:"summary"`
	Applied   ledger.ApplyResult `json:"applied"`
}

// Config configures a Watcher. Profile is used when a directory has no
// profile.yaml; its zero value means importer.DefaultProfile in the
// account currency.
type Config struct {
	Dir            string
	DefaultAccount string
	Profile        importer.Profile
	// OnImport, if set, is called after each successful import.
	OnImport func(Result)
}

// Watcher imports CSV files dropped into the inbox.
type Watcher struct {
	cfg     Config
	store   ledgerStore
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// New creates an inbox watcher over store.
func New(cfg Config, store ledgerStore, logger *slog.Logger) *Watcher {
	return &Watcher{cfg: cfg, store: store, logger: logger}
}

// Watch imports files already in the inbox, then watches for new ones
// until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	for _, dir := range []string{w.cfg.Dir, filepath.Join(w.cfg.Dir, ProcessedDir), filepath.Join(w.cfg.Dir, FailedDir)} {
		if err := os.MkdirAll(dir, inboxDirPerm); err != nil {
			return fmt.Errorf("creating inbox dir: %w", err)
		}
	}

	if err := w.addDirs(); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}

	w.logger.Info("inbox watcher started", slog.String("dir", w.cfg.Dir))

	w.ImportExisting()

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 && w.isAccountDir(event.Name) {
					_ = watcher.Add(event.Name)
					continue
				}
			}

			if !w.isCandidate(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, path)
				w.handleFile(path)
			}
		}
	}
}

// ImportExisting imports every CSV currently in the inbox, in name
// order.
func (w *Watcher) ImportExisting() {
	var files []string

	_ = filepath.WalkDir(w.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if path != w.cfg.Dir && !w.isAccountDir(path) {
				return filepath.SkipDir
			}

			return nil
		}

		if w.isCandidate(path) {
			files = append(files, path)
		}

		return nil
	})

	for _, f := range files {
		w.handleFile(f)
	}
}

func (w *Watcher) handleFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	res, err := w.ImportFile(path)
	if err != nil {
		w.logger.Warn("import failed",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		w.move(path, FailedDir)

		return
	}

	w.logger.Info("imported statement",
		slog.String("file", res.File),
		slog.String("account", res.AccountID),
		slog.Int("inserted", res.Applied.Inserted),
		slog.Int("review", res.Applied.Queued),
		slog.Int("duplicates", res.Applied.Skipped),
	)

	w.move(path, ProcessedDir)

	if w.cfg.OnImport != nil {
		w.cfg.OnImport(res)
	}
}

// ImportFile parses, reconciles and applies one CSV file. It does not
// move the file.
func (w *Watcher) ImportFile(path string) (Result, error) {
	ref := w.cfg.DefaultAccount
	profile := w.cfg.Profile

	if dir := filepath.Dir(path); filepath.Clean(dir) != filepath.Clean(w.cfg.Dir) {
		ref = filepath.Base(dir)

		if p, err := importer.LoadProfile(filepath.Join(dir, ProfileFile)); err == nil {
			profile = p
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Result{}, err
		}
	}

	if ref == "" {
		return Result{}, errNoAccount
	}

	account, ok := w.store.ResolveAccount(ref)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown account %q", errNoAccount, ref)
	}

	if profile.Columns.Date == "" {
		profile = importer.DefaultProfile(account.Currency)
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening statement: %w", err)
	}
	defer f.Close()

	candidates, err := importer.Parse(f, profile, account.ID)
	if err != nil {
		return Result{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	matches := reconcile.Reconcile(candidates, w.store.Summaries(account.ID))

	applied, err := w.store.Apply(matches)
	if err != nil {
		return Result{}, fmt.Errorf("applying import: %w", err)
	}

	return Result{
		File:      filepath.Base(path),
		AccountID: account.ID,
		Summary:   reconcile.Summarize(matches),
		Applied:   applied,
	}, nil
}

// move renames path into the inbox's processed or failed directory with
// a timestamp prefix so repeated names never collide.
func (w *Watcher) move(path, target string) {
	dir := filepath.Join(w.cfg.Dir, target)
	if err := os.MkdirAll(dir, inboxDirPerm); err != nil {
		w.logger.Warn("creating inbox dir", slog.String("dir", target), slog.String("error", err.Error()))
		return
	}

	dest := filepath.Join(dir, time.Now().UTC().Format("20060102T150405.000000000Z")+"-"+filepath.Base(path))

	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("moving statement", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
	}
}

func (w *Watcher) addDirs() error {
	if err := w.watcher.Add(w.cfg.Dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		path := filepath.Join(w.cfg.Dir, e.Name())
		if e.IsDir() && e.Type()&os.ModeSymlink == 0 && w.isAccountDir(path) {
			if err := w.watcher.Add(path); err != nil {
				return err
			}
		}
	}

	return nil
}

// isAccountDir reports whether dir is a direct, non-reserved
// subdirectory of the inbox.
func (w *Watcher) isAccountDir(dir string) bool {
	if filepath.Clean(filepath.Dir(dir)) != filepath.Clean(w.cfg.Dir) {
		return false
	}

	base := filepath.Base(dir)

	return base != ProcessedDir && base != FailedDir && !strings.HasPrefix(base, ".")
}

func (w *Watcher) isCandidate(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}

	if !strings.EqualFold(filepath.Ext(base), ".csv") {
		return false
	}

	dir := filepath.Dir(path)

	return filepath.Clean(dir) == filepath.Clean(w.cfg.Dir) || w.isAccountDir(dir)
}
