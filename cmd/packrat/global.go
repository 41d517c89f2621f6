package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/backend/limiter"
	"github.com/packrat/packrat/internal/backend/local"
	"github.com/packrat/packrat/internal/backend/retry"
	"github.com/packrat/packrat/internal/backend/sema"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/options"
	"github.com/packrat/packrat/internal/repository"
	"github.com/packrat/packrat/internal/terminal"
	"github.com/packrat/packrat/internal/textfile"
	"github.com/packrat/packrat/internal/ui/progress"
)

// GlobalOptions hold all global options for packrat.
type GlobalOptions struct {
	Repo          string
	PasswordFile  string
	Quiet         bool
	Verbose       int
	Connections   uint
	Compression   repository.CompressionMode
	PackSize      uint
	NoExtraVerify bool
	limiter.Limits

	password options.SecretString
	stdout   io.Writer
	stderr   io.Writer
}

// NewGlobalOptions returns options with defaults taken from the environment.
func NewGlobalOptions() *GlobalOptions {
	opts := &GlobalOptions{
		Repo:         os.Getenv("PACKRAT_REPOSITORY"),
		PasswordFile: os.Getenv("PACKRAT_PASSWORD_FILE"),
		password:     options.NewSecretString(os.Getenv("PACKRAT_PASSWORD")),
		stdout:       os.Stdout,
		stderr:       os.Stderr,
	}

	if comp := os.Getenv("PACKRAT_COMPRESSION"); comp != "" {
		// ignore invalid values, the flag is validated when the repository is opened
		_ = opts.Compression.Set(comp)
	}
	packSize, _ := strconv.ParseUint(os.Getenv("PACKRAT_PACK_SIZE"), 10, 32)
	opts.PackSize = uint(packSize)

	return opts
}

func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Repo, "repo", "r", opts.Repo, "`repository` location, a local path or local:/path (default: $PACKRAT_REPOSITORY)")
	f.StringVarP(&opts.PasswordFile, "password-file", "p", opts.PasswordFile, "`file` to read the repository password from (default: $PACKRAT_PASSWORD_FILE)")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "only print errors")
	f.CountVarP(&opts.Verbose, "verbose", "v", "be verbose (specify multiple times or a level using --verbose=n``, max level/times is 2)")
	f.UintVar(&opts.Connections, "connections", 0, "number of concurrent backend `connections` (default: 2)")
	f.Var(&opts.Compression, "compression", "compression mode, one of (auto|off|max) (default: $PACKRAT_COMPRESSION)")
	f.UintVar(&opts.PackSize, "pack-size", opts.PackSize, "target pack `size` in MiB (default: $PACKRAT_PACK_SIZE)")
	f.BoolVar(&opts.NoExtraVerify, "no-extra-verify", false, "skip verification of blobs before upload")
	f.IntVar(&opts.Limits.UploadKb, "limit-upload", 0, "limits uploads to a maximum `rate` in KiB/s (default: unlimited)")
	f.IntVar(&opts.Limits.DownloadKb, "limit-download", 0, "limits downloads to a maximum `rate` in KiB/s (default: unlimited)")
}

// verbosity is 0 for --quiet, 1 by default and up to 3 for -vv.
func (opts *GlobalOptions) verbosity() uint {
	if opts.Quiet {
		return 0
	}
	return uint(min(opts.Verbose, 2)) + 1
}

func (opts *GlobalOptions) repositoryOptions() repository.Options {
	return repository.Options{
		Compression:   opts.Compression,
		PackSize:      opts.PackSize * 1024 * 1024,
		NoExtraVerify: opts.NoExtraVerify,
	}
}

// loadPasswordFromFile loads a password from a file while stripping a BOM and
// converting the password to UTF-8.
func loadPasswordFromFile(pwdFile string) (string, error) {
	buf, err := textfile.Read(pwdFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.Fatalf("%s does not exist", pwdFile)
	}
	if err != nil {
		return "", errors.Wrap(err, "Read")
	}
	return strings.TrimSpace(string(buf)), nil
}

// readPassword reads the password from the given reader directly.
func readPassword(in io.Reader) (password string, err error) {
	sc := bufio.NewScanner(in)
	sc.Scan()

	return sc.Text(), errors.WithStack(sc.Err())
}

// ReadPassword reads the password from a password file, the environment
// variable PACKRAT_PASSWORD or prompts the user.
func ReadPassword(ctx context.Context, opts *GlobalOptions, prompt string, printer progress.Printer) (string, error) {
	if !opts.password.Empty() {
		return opts.password.Unwrap(), nil
	}
	if opts.PasswordFile != "" {
		return loadPasswordFromFile(opts.PasswordFile)
	}

	var (
		password string
		err      error
	)

	if terminal.StdinIsTerminal() {
		password, err = terminal.ReadPassword(ctx, os.Stdin, os.Stderr, prompt)
	} else {
		if terminal.StdoutIsTerminal() {
			printer.P("reading repository password from stdin")
		}
		password, err = readPassword(os.Stdin)
	}

	if err != nil {
		return "", errors.Wrap(err, "unable to read password")
	}

	if len(password) == 0 {
		return "", errors.Fatal("an empty password is not allowed")
	}

	return password, nil
}

// ReadPasswordTwice calls ReadPassword two times and returns an error when the
// passwords don't match.
func ReadPasswordTwice(ctx context.Context, opts *GlobalOptions, prompt1, prompt2 string, printer progress.Printer) (string, error) {
	pw1, err := ReadPassword(ctx, opts, prompt1, printer)
	if err != nil {
		return "", err
	}
	if opts.password.Empty() && opts.PasswordFile == "" && terminal.StdinIsTerminal() {
		pw2, err := ReadPassword(ctx, opts, prompt2, printer)
		if err != nil {
			return "", err
		}

		if pw1 != pw2 {
			return "", errors.Fatal("passwords do not match")
		}
	}

	return pw1, nil
}

// parseLocation accepts "local:/path" as well as a plain path.
func parseLocation(opts *GlobalOptions) (*local.Config, error) {
	if opts.Repo == "" {
		return nil, errors.Fatal("Please specify repository location (-r or $PACKRAT_REPOSITORY)")
	}

	s := opts.Repo
	if !strings.HasPrefix(s, "local:") {
		s = "local:" + s
	}
	cfg, err := local.ParseConfig(s)
	if err != nil {
		return nil, errors.Fatalf("parsing repository location failed: %v", err)
	}
	if opts.Connections > 0 {
		cfg.Connections = opts.Connections
	}
	return cfg, nil
}

// openBackend opens or creates the backend and wraps it with bandwidth and
// connection limits and retries.
func openBackend(ctx context.Context, opts *GlobalOptions, create bool, printer progress.Printer) (backend.Backend, error) {
	cfg, err := parseLocation(opts)
	if err != nil {
		return nil, err
	}
	debug.Log("opening backend at %v, create %v", cfg.Path, create)

	var be backend.Backend
	if create {
		be, err = local.Create(ctx, *cfg)
		if err != nil {
			return nil, errors.Fatalf("create repository at %s failed: %v", cfg.Path, err)
		}
	} else {
		be, err = local.Open(ctx, *cfg)
		if errors.Is(err, backend.ErrNoRepository) {
			return nil, errors.Join(repository.ErrRepositoryNotFound, err)
		}
		if err != nil {
			return nil, errors.Fatalf("unable to open repository at %v: %v", cfg.Path, err)
		}
	}

	be = limiter.LimitBackend(be, limiter.NewStaticLimiter(opts.Limits))
	be = sema.NewBackend(be)

	report := func(msg string, err error, d time.Duration) {
		if d >= 0 {
			printer.E("%v returned error, retrying after %v: %v", msg, d, err)
		} else {
			printer.E("%v failed: %v", msg, err)
		}
	}
	success := func(msg string, retries int) {
		printer.E("%v operation successful after %d retries", msg, retries)
	}
	return retry.New(be, 15*time.Minute, report, success), nil
}

// unlockRepository opens the backend and unlocks the repository without
// loading the index.
func unlockRepository(ctx context.Context, opts *GlobalOptions, printer progress.Printer) (*repository.Repository, error) {
	be, err := openBackend(ctx, opts, false, printer)
	if err != nil {
		return nil, err
	}

	password, err := ReadPassword(ctx, opts, "enter password for repository: ", printer)
	if err != nil {
		return nil, err
	}
	opts.password = options.NewSecretString(password)

	repo, err := repository.Open(ctx, be, password, opts.repositoryOptions())
	if err != nil {
		_ = be.Close()
		return nil, err
	}
	printer.V("repository %v opened (version %v)", repo.Config().ID[:10], repo.Config().Version)
	return repo, nil
}

// OpenRepository unlocks the repository and loads its index.
func OpenRepository(ctx context.Context, opts *GlobalOptions, printer progress.Printer) (*repository.Repository, error) {
	repo, err := unlockRepository(ctx, opts, printer)
	if err != nil {
		return nil, err
	}

	bar := printer.NewCounter("index files loaded")
	err = repo.LoadIndex(ctx, bar)
	bar.Done()
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}
