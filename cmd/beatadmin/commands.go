package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jask/beatadmin/internal/auth"
	"github.com/jask/beatadmin/internal/blobstore"
	"github.com/jask/beatadmin/internal/config"
	"github.com/jask/beatadmin/internal/database"
	"github.com/jask/beatadmin/internal/secrets"
	"github.com/jask/beatadmin/internal/selection"
	"github.com/jask/beatadmin/internal/service"
)

// serveCmd serves uploaded blobs so the URLs stored in the catalog resolve.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve uploaded audio and artwork over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		blobs, err := blobstore.New(cfg.Blob.Root, cfg.Blob.PublicBaseURL, logger)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           blobs.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		logger.Info("blob server listening", zap.String("addr", cfg.Server.Addr), zap.String("root", cfg.Blob.Root))
		fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", cfg.Blob.Root, cfg.Server.Addr)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("blob server shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("mkdir db dir: %w", err)
		}
		if err := database.RunMigrations(cfg.Database.Path, cfg.Database.Migrations); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", cfg.Database.Path)
		return nil
	},
}

// phonesCmd is the scripted counterpart of the settings screen.
var phonesCmd = &cobra.Command{
	Use:   "phones",
	Short: "Manage storefront phone numbers",
}

var phonesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List phone numbers; the active one is marked",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, _ []string) error {
		items, err := a.phones.List(ctx)
		if err != nil {
			return err
		}
		renderPhones(out, items)
		return nil
	}),
}

var phonesAddCmd = &cobra.Command{
	Use:   "add <number>",
	Short: "Add an inactive phone number",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		item, err := a.phones.Add(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "added %s (%s)\n", item.Value, item.ID)
		return nil
	}),
}

var phonesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a phone number",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		if err := a.phones.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s\n", args[0])
		return nil
	}),
}

var phonesActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Make one phone number the active one",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		err := a.phones.Activate(ctx, args[0])
		var partial *selection.ActivationError
		if errors.As(err, &partial) {
			fmt.Fprintf(out, "activation partially applied; failed writes: %v\n", partial.Failed)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "activated %s\n", args[0])
		return nil
	}),
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the beat catalog",
}

var catalogSearch string

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List beats, optionally filtered with --search",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, _ []string) error {
		beats, err := a.catalog.Search(ctx, catalogSearch)
		if err != nil {
			return err
		}
		renderBeats(out, beats, cfg.UI.CurrencySymbol)
		return nil
	}),
}

var uploadFlags struct {
	title, genre, price, cover string
	bpm                        int
}

var catalogUploadCmd = &cobra.Command{
	Use:   "upload <audio-file>",
	Short: "Upload a beat",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		price, err := service.ParsePrice(uploadFlags.price)
		if err != nil {
			return err
		}
		in := service.BeatInput{
			Title:      uploadFlags.title,
			Genre:      uploadFlags.genre,
			BPM:        uploadFlags.bpm,
			PriceCents: price,
		}
		audio, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer audio.Close()
		in.Audio = &service.Upload{Name: filepath.Base(args[0]), Body: audio}
		if uploadFlags.cover != "" {
			cover, err := os.Open(uploadFlags.cover)
			if err != nil {
				return err
			}
			defer cover.Close()
			in.Cover = &service.Upload{Name: filepath.Base(uploadFlags.cover), Body: cover}
		}
		beat, err := a.catalog.Create(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "uploaded %s (%s)\n%s\n", beat.Title, beat.ID, beat.AudioURL)
		return nil
	}),
}

var catalogDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a beat and its files",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		if err := a.catalog.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", args[0])
		return nil
	}),
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the admin identity token",
	Long: `Issue, inspect and clear the identity token used in auth.mode = "token".

The token is signed with auth.secret and kept encrypted in the secrets file.`,
}

var loginFlags struct {
	uid, email string
	ttl        time.Duration
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Issue an identity token and store it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Auth.Secret == "" {
			return errors.New("auth.secret is not set")
		}
		uid := loginFlags.uid
		if uid == "" {
			uid = cfg.Auth.UID
		}
		if loginFlags.ttl <= 0 {
			return errors.New("--ttl must be positive")
		}
		id := auth.Identity{UID: uid, Email: loginFlags.email}
		tok, err := auth.IssueToken(id, []byte(cfg.Auth.Secret), loginFlags.ttl)
		if err != nil {
			return err
		}
		vault, err := secrets.Default()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		sess := secrets.Session{Token: tok, UID: id.UID, Email: id.Email, IssuedAt: now, ExpiresAt: now.Add(loginFlags.ttl)}
		if err := vault.Save(tokenProfile, sess); err != nil {
			return err
		}
		logger.Info("identity token stored", zap.String("uid", uid), zap.Time("expires_at", sess.ExpiresAt))
		fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s until %s\n", uid, sess.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored identity token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		vault, err := secrets.Default()
		if err != nil {
			return err
		}
		sess, err := vault.Remove(tokenProfile)
		switch {
		case errors.Is(err, secrets.ErrNoSession):
			fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
			return nil
		case err != nil:
			return err
		}
		logger.Info("identity token removed", zap.String("uid", sess.UID))
		fmt.Fprintf(cmd.OutOrStdout(), "signed out %s\n", sess.UID)
		return nil
	},
}

var authWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity uploads are attributed to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := identityProvider(cfg.Auth)
		if err != nil {
			return err
		}
		id, err := p.Current(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s (mode %s)\n", id.UID, id.Email, cfg.Auth.Mode)
		if cfg.Auth.Mode != "token" || cfg.Auth.Token != "" {
			return nil
		}
		vault, err := secrets.Default()
		if err != nil {
			return err
		}
		if sess, err := vault.Load(tokenProfile); err == nil {
			fmt.Fprintf(out, "signed in %s, expires %s\n", sess.IssuedAt.Format(time.RFC3339), sess.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or write configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.SaveTo(path, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", path)
		return nil
	},
}

func init() {
	phonesCmd.AddCommand(phonesListCmd, phonesAddCmd, phonesRemoveCmd, phonesActivateCmd)

	catalogListCmd.Flags().StringVarP(&catalogSearch, "search", "s", "", "Filter by title or genre (typos tolerated)")
	catalogUploadCmd.Flags().StringVar(&uploadFlags.title, "title", "", "Beat title (required)")
	catalogUploadCmd.Flags().StringVar(&uploadFlags.genre, "genre", "", "Genre")
	catalogUploadCmd.Flags().IntVar(&uploadFlags.bpm, "bpm", 0, "Tempo in beats per minute")
	catalogUploadCmd.Flags().StringVar(&uploadFlags.price, "price", "", "Price, e.g. 29.99")
	catalogUploadCmd.Flags().StringVar(&uploadFlags.cover, "cover", "", "Cover image file")
	catalogUploadCmd.MarkFlagRequired("title")
	catalogCmd.AddCommand(catalogListCmd, catalogUploadCmd, catalogDeleteCmd)

	authLoginCmd.Flags().StringVar(&loginFlags.uid, "uid", "", "Admin UID (default auth.uid)")
	authLoginCmd.Flags().StringVar(&loginFlags.email, "email", "", "Admin email")
	authLoginCmd.Flags().DurationVar(&loginFlags.ttl, "ttl", 30*24*time.Hour, "Token lifetime")
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authWhoamiCmd)

	configCmd.AddCommand(configInitCmd)
}

// withApp opens the stores for one scripted command and closes them after.
func withApp(fn func(ctx context.Context, a *app, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd.OutOrStdout(), args)
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true)

func renderPhones(out io.Writer, items []selection.Item) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle()
		}).
		Headers("ID", "NUMBER", "ACTIVE")
	for _, it := range items {
		active := ""
		if it.Active {
			active = "*"
		}
		t.Row(it.ID, it.Value, active)
	}
	fmt.Fprintln(out, t.String())
}

func renderBeats(out io.Writer, beats []service.Beat, currency string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle()
		}).
		Headers("ID", "TITLE", "GENRE", "BPM", "PRICE", "AUDIO")
	for _, b := range beats {
		t.Row(b.ID, b.Title, b.Genre, strconv.Itoa(b.BPM), fmt.Sprintf("%s%.2f", currency, float64(b.PriceCents)/100), b.AudioURL)
	}
	fmt.Fprintln(out, t.String())
}
