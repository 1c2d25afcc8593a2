package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HerbHall/sunlink/internal/auth"
	"github.com/HerbHall/sunlink/internal/gwconfig"
	"github.com/HerbHall/sunlink/internal/telemetry"
	"github.com/HerbHall/sunlink/internal/tsdb"
	"go.uber.org/zap"
)

// runToken mints an operator access token signed with auth.jwt_secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	operator := fs.String("operator", "admin", "operator name recorded in the token")
	scopes := fs.String("scopes", auth.ScopeRead+","+auth.ScopeWrite, "comma-separated scopes")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.access_token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if *ttl > 0 {
		a.v.Set("auth.access_token_ttl", *ttl)
	}
	tokens, err := operatorTokens(a, false)
	if err != nil {
		return err
	}

	var scopeList []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopeList = append(scopeList, s)
		}
	}
	token, expires, err := tokens.IssueAccessToken(*operator, scopeList)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}

// runConfig handles "config import <file.yaml>".
func runConfig(args []string) error {
	if len(args) == 0 || args[0] != "import" {
		return fmt.Errorf("usage: sunlink config import [-config path] <file.yaml>")
	}
	fs := flag.NewFlagSet("config import", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sunlink config import [-config path] <file.yaml>")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := gwconfig.LoadYAML(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", fs.Arg(0), err)
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	gm, ok := find[*gwconfig.Module](a)
	if !ok || gm.Repository() == nil {
		return fmt.Errorf("gateway config repository unavailable")
	}
	res, err := gm.Repository().Import(context.Background(), doc)
	if err != nil {
		return err
	}
	a.bus.Wait()

	a.logger.Info("gateway configs imported",
		zap.Strings("published", res.Published),
		zap.Strings("skipped", res.Skipped),
		zap.Int("defaults", res.Defaults),
	)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// runPurge deletes readings and device logs older than the retention period.
func runPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	olderThan := fs.Duration("older-than", 0, "override plugins.telemetry.retention_period")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	tm, ok := find[*telemetry.Module](a)
	if !ok || tm.Service() == nil {
		return fmt.Errorf("telemetry store unavailable")
	}
	retention := *olderThan
	if retention <= 0 {
		retention = a.v.GetDuration("plugins.telemetry.retention_period")
	}
	if retention <= 0 {
		retention = telemetry.DefaultConfig().RetentionPeriod
	}

	cutoff := time.Now().UTC().Add(-retention)
	readings, logs, err := tm.Service().Purge(context.Background(), cutoff)
	if err != nil {
		return err
	}
	a.logger.Info("telemetry purged",
		zap.Time("cutoff", cutoff),
		zap.Int64("readings", readings),
		zap.Int64("logs", logs),
	)
	fmt.Printf("deleted %d readings and %d device logs older than %s\n", readings, logs, cutoff.Format(time.RFC3339))
	return nil
}

// runMigrate applies every plugin's migrations without starting anything.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	a.logger.Info("database migrations applied")
	return nil
}

// runReplay re-sends telemetry the InfluxDB mirror failed to write, and
// optionally drops queue entries past the buffer retention.
func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	limit := fs.Int("limit", 0, "replay at most this many readings (default all)")
	dryRun := fs.Bool("dry-run", false, "print the queue size without writing")
	purge := fs.Duration("purge-older-than", 0, "drop queued readings older than this instead of replaying")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	tm, ok := find[*tsdb.Module](a)
	if !ok || tm.Outbox() == nil {
		return fmt.Errorf("mirror outbox unavailable")
	}
	ctx := context.Background()

	pending, err := tm.Outbox().Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending readings: %d\n", pending)
	if *dryRun || pending == 0 {
		return nil
	}

	if *purge > 0 {
		cutoff := time.Now().UTC().Add(-*purge)
		n, err := tm.PurgeOutbox(ctx, cutoff)
		if err != nil {
			return err
		}
		a.logger.Info("mirror outbox purged", zap.Time("cutoff", cutoff), zap.Int64("dropped", n))
		fmt.Printf("dropped %d queued readings older than %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	}

	tm.Connect(ctx)
	defer tm.Stop(ctx)

	var total tsdb.ReplayResult
	for *limit <= 0 || total.Attempted < *limit {
		batch := 0
		if *limit > 0 {
			batch = *limit - total.Attempted
		}
		res, err := tm.Replay(ctx, batch)
		total.Attempted += res.Attempted
		total.Mirrored += res.Mirrored
		total.Dropped += res.Dropped
		if err != nil {
			a.logger.Error("mirror replay stopped", zap.Int("mirrored", total.Mirrored), zap.Error(err))
			return err
		}
		if res.Attempted == 0 {
			break
		}
	}
	fmt.Printf("mirrored %d readings, dropped %d already purged\n", total.Mirrored, total.Dropped)
	return nil
}
