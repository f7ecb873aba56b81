package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"recstore/config"
	"recstore/db"
	"recstore/persist"
	"recstore/record"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func printRecords(w io.Writer, records ...*record.TimestampRecord) error {
	for _, r := range records {
		recordBytes, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "failed to marshal json")
		}
		fmt.Fprintln(w, string(recordBytes[:]))
	}

	return nil
}

func scanRecords(rd io.Reader) ([]*record.TimestampRecord, error) {
	var records []*record.TimestampRecord

	s := bufio.NewScanner(rd)
	s.Split(bufio.ScanLines)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 {
			continue
		}

		var r record.TimestampRecord
		err := json.Unmarshal([]byte(line), &r)
		if err != nil {
			return records, errors.Wrap(err, "failed to unmarshal record")
		}

		records = append(records, &r)
	}

	return records, errors.Wrap(s.Err(), "failed to read records")
}

func parseTime(s string) (time.Time, error) {
	if s == "now" {
		return time.Now(), nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	return t, errors.Wrapf(err, "failed to parse time %q", s)
}

// parseAssignment parses the ID=RFC3339 argument of -set
func parseAssignment(s string) (uint, time.Time, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, errors.Errorf("expected ID=TIME, got %q", s)
	}

	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "invalid record ID %q", parts[0])
	}

	t, err := parseTime(parts[1])
	return uint(id), t, err
}

// upsertRecords assigns the timestamps of the given records to the stored
// records with the same IDs; records without a stored match are inserted
func upsertRecords(ctx context.Context, pc *persist.Context, records []*record.TimestampRecord) error {
	for _, r := range records {
		if r.ID != 0 {
			stored, err := pc.Fetch(ctx, r.ID)
			if err == nil {
				stored.Timestamp = r.Timestamp
				continue
			}
			if !errors.Is(err, db.ErrRecordNotFound) {
				return errors.Wrap(err, "failed to fetch record")
			}
		}

		err := pc.Insert(record.New(r.Timestamp))
		if err != nil {
			return errors.Wrap(err, "failed to insert record")
		}
	}

	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if len(path) == 0 {
		return config.Default(), nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return config.New(dir, name)
}

func setLogLevel(level string, debug bool) error {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return nil
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}

	zerolog.SetGlobalLevel(lvl)
	return nil
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	flags := flag.NewFlagSet("recctl", flag.ContinueOnError)
	configPath := flags.String("config", "", "application configuration file")
	dbBackend := flags.String("db-backend", "", "database backend: sql, gorm or file")
	dbDSN := flags.String("db-dsn", "", "database DSN")
	debugEnabled := flags.Bool("debug", false, "enable debug logging")
	pingDB := flags.Bool("ping-db", false, "ping DB")
	migrateDB := flags.Bool("migrate-db", false, "apply DB migrations")
	showRecords := flags.Bool("records", false, "show records")
	recordID := flags.Uint("record", 0, "show record with given ID")
	createRecord := flags.String("create", "", "create a record with the given RFC3339 time, or 'now'")
	setRecord := flags.String("set", "", "set the time of a record; ex. '3=2020-10-14T12:00:00+02:00'")
	deleteID := flags.Uint("delete", 0, "delete record with given ID")
	upsert := flags.Bool("upsert-records", false, "upsert the given serialized records read from stdin, one per line")

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	err = setLogLevel(cfg.LogLevel, *debugEnabled)
	if err != nil {
		return err
	}

	if len(*dbBackend) > 0 {
		cfg.DB.Backend = *dbBackend
	}
	if len(*dbDSN) > 0 {
		cfg.DB.DSN = *dbDSN
	}

	adb, err := db.New(&cfg.DB)
	if err != nil {
		return errors.Wrap(err, "failed to create DB client")
	}
	defer adb.Close()

	ctx := context.Background()

	if *pingDB {
		err = adb.Ping(ctx)
		if err != nil {
			return errors.Wrap(err, "ping failed")
		}
		fmt.Fprintln(stdout, "Ping succeeded")
	}

	if *migrateDB {
		err = adb.Migrate(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to migrate DB")
		}
		fmt.Fprintln(stdout, "Migrations succeeded")
	}

	pc := persist.New(adb)
	defer pc.Close()

	if len(*createRecord) > 0 {
		t, err := parseTime(*createRecord)
		if err != nil {
			return err
		}

		err = pc.Insert(record.New(t))
		if err != nil {
			return errors.Wrap(err, "failed to create record")
		}
	}

	if len(*setRecord) > 0 {
		id, t, err := parseAssignment(*setRecord)
		if err != nil {
			return err
		}

		r, err := pc.Fetch(ctx, id)
		if err != nil {
			return errors.Wrap(err, "failed to get record")
		}
		r.Timestamp = t
	}

	if *deleteID != 0 {
		r, err := pc.Fetch(ctx, *deleteID)
		if err != nil {
			return errors.Wrap(err, "failed to get record")
		}

		err = pc.Delete(r)
		if err != nil {
			return errors.Wrap(err, "failed to delete record")
		}
	}

	if *upsert {
		records, err := scanRecords(stdin)
		if err != nil {
			return errors.Wrap(err, "failed to scan records")
		}

		err = upsertRecords(ctx, pc, records)
		if err != nil {
			return errors.Wrap(err, "failed to upsert records")
		}
	}

	if pc.HasChanges() {
		changes := pc.Pending()
		err = pc.Save(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to save records")
		}
		log.Info().
			Int("inserted", changes.Inserted).
			Int("updated", changes.Updated).
			Int("deleted", changes.Deleted).
			Msg("Records saved")
	}

	if *showRecords {
		records, err := pc.FetchAll(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to get records")
		}

		err = printRecords(stdout, records...)
		if err != nil {
			return errors.Wrap(err, "failed to print records")
		}
	}

	if *recordID != 0 {
		r, err := pc.Fetch(ctx, *recordID)
		if err != nil {
			return errors.Wrap(err, "failed to get record")
		}

		err = printRecords(stdout, r)
		if err != nil {
			return errors.Wrap(err, "failed to print record")
		}
	}

	return nil
}

func main() {
	err := run(os.Args[1:], os.Stdin, os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("recctl failed")
		os.Exit(1)
	}
}
