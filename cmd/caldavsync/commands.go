package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/db"
)

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Connect a CalDAV account and bind its event collections.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Required: true, Usage: "display name of the integration"},
			&cli.StringFlag{Name: "provider", Value: string(caldav.ProviderCalDAV), Usage: "icloud, google, fastmail, nextcloud or caldav"},
			&cli.StringFlag{Name: "url", Usage: "server URL; required for caldav and nextcloud"},
			&cli.StringFlag{Name: "username", Required: true},
			&cli.StringFlag{Name: "password", EnvVars: []string{"CALDAV_PASSWORD"}, Usage: "password or app-specific password"},
			&cli.StringFlag{Name: "token-file", Usage: "OAuth2 token JSON, for google"},
			&cli.StringFlag{Name: "account", Usage: "account ID shared by integrations of one login (default provider:username)"},
			&cli.StringFlag{Name: "direction", Value: string(db.DirectionBidirectional)},
			&cli.IntFlag{Name: "interval", Usage: "polling interval in seconds (default from configuration)"},
			&cli.StringSliceFlag{Name: "collection", Usage: "only bind collections whose URL or name matches"},
			&cli.BoolFlag{Name: "skip-probe", Usage: "do not probe the server URL before connecting"},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			provider := caldav.Provider(strings.ToLower(c.String("provider")))
			if !provider.IsValid() {
				return fmt.Errorf("unknown provider %q", provider)
			}
			direction := db.SyncDirection(c.String("direction"))
			if !direction.IsValid() {
				return fmt.Errorf("invalid direction %q", direction)
			}
			baseURL := caldav.BaseURLFor(provider, c.String("url"))
			if baseURL == "" {
				return fmt.Errorf("--url is required for provider %s", provider)
			}

			ctx, cancel := context.WithTimeout(c.Context, remoteTimeout)
			defer cancel()

			if c.IsSet("url") && !c.Bool("skip-probe") {
				if err := newValidator(a.cfg).ValidateCalDAVEndpoint(ctx, baseURL); err != nil {
					return err
				}
			}

			cred, err := saveCredential(c, a, provider, c.String("username"))
			if err != nil {
				return err
			}

			accountID := c.String("account")
			if accountID == "" {
				accountID = string(provider) + ":" + strings.ToLower(c.String("username"))
			}
			in := &db.Integration{
				AccountID:     accountID,
				Name:          c.String("name"),
				Provider:      string(provider),
				BaseURL:       baseURL,
				CredentialRef: cred.Ref,
			}

			remote, err := a.creds.RemoteFor(ctx, in)
			if err != nil {
				return err
			}
			collections, err := remote.DiscoverCollections(ctx)
			if err != nil {
				return fmt.Errorf("failed to discover collections: %w", err)
			}

			if err := a.db.CreateIntegration(in); err != nil {
				return err
			}
			fmt.Printf("Integration %s (%s)\n", in.ID, in.Name)

			wanted := c.StringSlice("collection")
			bound := 0
			for _, col := range collections {
				if !holdsEvents(col) || !matches(col, wanted) {
					continue
				}
				b := &db.CollectionBinding{
					IntegrationID: in.ID,
					CollectionURL: col.URL,
					DisplayName:   col.Name,
					Direction:     direction,
					SyncInterval:  c.Int("interval"),
					Enabled:       true,
				}
				if err := a.db.CreateBinding(b); err != nil {
					if errors.Is(err, db.ErrDuplicate) {
						fmt.Printf("  skipped %s: already bound\n", col.URL)
						continue
					}
					return err
				}
				bound++
				fmt.Printf("  bound %s -> %s (binding %s)\n", col.Name, col.URL, b.ID)
			}
			if bound == 0 {
				fmt.Println("  no collections bound")
			}
			return nil
		},
	}
}

func saveCredential(c *cli.Context, a *app, provider caldav.Provider, username string) (*db.Credential, error) {
	if path := c.String("token-file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read token file: %w", err)
		}
		var token oauth2.Token
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, fmt.Errorf("failed to parse token file: %w", err)
		}
		return a.creds.SaveOAuth2(username, &token)
	}

	if provider == caldav.ProviderGoogle {
		return nil, errors.New("--token-file is required for google")
	}
	if c.String("password") == "" {
		return nil, errors.New("--password or CALDAV_PASSWORD is required")
	}
	return a.creds.SaveBasic(username, c.String("password"))
}

func holdsEvents(col caldav.Collection) bool {
	return len(col.Components) == 0 || slices.ContainsFunc(col.Components, func(s string) bool {
		return strings.EqualFold(s, "VEVENT")
	})
}

func matches(col caldav.Collection, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if col.URL == w || strings.EqualFold(col.Name, w) {
			return true
		}
	}
	return false
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "List the collections of a connected integration.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "integration", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.db.GetIntegration(c.String("integration"))
			if err != nil {
				return err
			}
			bindings, err := a.db.ListBindings(in.ID)
			if err != nil {
				return err
			}
			boundTo := make(map[string]string, len(bindings))
			for _, b := range bindings {
				boundTo[b.CollectionURL] = b.ID
			}

			ctx, cancel := context.WithTimeout(c.Context, remoteTimeout)
			defer cancel()
			remote, err := a.creds.RemoteFor(ctx, in)
			if err != nil {
				return err
			}
			collections, err := remote.DiscoverCollections(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL\tCOMPONENTS\tBINDING")
			for _, col := range collections {
				binding := boundTo[col.URL]
				if binding == "" {
					binding = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", col.Name, col.URL, strings.Join(col.Components, ","), binding)
			}
			return w.Flush()
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync of a binding in the foreground. Do not use while serve runs the same binding.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "binding", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res := a.engine.Run(ctx, c.String("binding"), "manual")
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if res.Failed() {
				return fmt.Errorf("sync failed (%s): %w", res.Reason, res.Err)
			}
			return nil
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Show recent runs of a binding.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "binding", Required: true},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.db.ListRuns(c.String("binding"), c.Int("limit"))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tTRIGGER\tSTATUS\tREASON\tDURATION\tLOCAL +/~/-\tREMOTE +/~/-\tCONFLICTS")
			for _, r := range runs {
				duration := "-"
				if r.EndedAt != nil {
					duration = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				reason := r.Reason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d/%d\t%d/%d/%d\t%d\n",
					r.StartedAt.Local().Format(time.DateTime), r.Trigger, r.Status, reason, duration,
					r.Counts.LocalCreated, r.Counts.LocalUpdated, r.Counts.LocalDeleted,
					r.Counts.RemoteCreated, r.Counts.RemoteUpdated, r.Counts.RemoteDeleted,
					r.Counts.Conflicts)
			}
			return w.Flush()
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Disconnect an integration, disabling its bindings and deleting its credential.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "integration", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.db.GetIntegration(c.String("integration"))
			if err != nil {
				return err
			}
			if err := a.db.DisconnectIntegration(in.ID); err != nil {
				return err
			}
			a.creds.Forget(in.AccountID)
			fmt.Printf("Disconnected %s (%s)\n", in.ID, in.Name)
			return nil
		},
	}
}

func reauthCommand() *cli.Command {
	return &cli.Command{
		Name:  "reauth",
		Usage: "Replace the credential of an integration and resume its bindings.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "integration", Required: true},
			&cli.StringFlag{Name: "username", Usage: "login name (default: the current credential's)"},
			&cli.StringFlag{Name: "password", EnvVars: []string{"CALDAV_PASSWORD"}, Usage: "password or app-specific password"},
			&cli.StringFlag{Name: "token-file", Usage: "OAuth2 token JSON, for google"},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.db.GetIntegration(c.String("integration"))
			if err != nil {
				return err
			}
			username := c.String("username")
			if username == "" {
				old, err := a.db.GetCredential(in.CredentialRef)
				if err != nil {
					return fmt.Errorf("--username is required: %w", err)
				}
				username = old.Username
			}

			cred, err := saveCredential(c, a, caldav.Provider(in.Provider), username)
			if err != nil {
				return err
			}

			// Check the new credential before the integration depends on it.
			ctx, cancel := context.WithTimeout(c.Context, remoteTimeout)
			defer cancel()
			candidate := *in
			candidate.CredentialRef = cred.Ref
			remote, err := a.creds.RemoteFor(ctx, &candidate)
			if err == nil {
				_, err = remote.DiscoverCollections(ctx)
			}
			if err != nil {
				if derr := a.db.DeleteCredential(cred.Ref); derr != nil {
					log.Printf("Failed to delete unused credential: %v", derr)
				}
				return fmt.Errorf("new credential rejected: %w", err)
			}

			if err := a.db.ReauthorizeIntegration(in.ID, cred.Ref); err != nil {
				return err
			}
			a.creds.Forget(in.AccountID)
			fmt.Printf("Reauthorized %s (%s); a running server resumes its bindings within a minute\n", in.ID, in.Name)
			return nil
		},
	}
}
