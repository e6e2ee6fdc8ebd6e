package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/adverant/nexus/tablescan-worker/internal/app"
	"github.com/adverant/nexus/tablescan-worker/internal/config"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/processor"
	"github.com/adverant/nexus/tablescan-worker/internal/queue"
	"github.com/adverant/nexus/tablescan-worker/internal/storage"
)

var columnHeaders = []string{"Material Code", "UOM", "Qty Required", "Qty Issued", "Lot No"}

func main() {
	_ = godotenv.Load(".env.tablescan")

	cmd := &cli.Command{
		Name:  "tablescan",
		Usage: "Extract material issue rows from scanned logs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "warn",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.SetLevel(cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "extract",
				Usage: "Extract rows from a PDF or image and print them",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "input",
						Aliases:  []string{"i"},
						Usage:    "Input PDF or image path",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the full result as JSON",
					},
					&cli.BoolFlag{
						Name:  "persist",
						Usage: "Insert the extracted rows into TABLESCAN_TABLE after printing",
					},
				},
				Action: extractRows,
			},
			{
				Name:  "enqueue",
				Usage: "Submit an extract or persist job to the worker queue",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Usage: "Job type: extract or persist",
						Value: queue.JobTypeExtract,
					},
					&cli.StringFlag{
						Name:    "input",
						Aliases: []string{"i"},
						Usage:   "Local file sent inline with the job",
					},
					&cli.StringFlag{
						Name:  "url",
						Usage: "File URL the worker downloads",
					},
					&cli.StringFlag{
						Name:  "source-job",
						Usage: "Extraction job whose reviewed rows a persist job commits",
					},
					&cli.StringFlag{
						Name:  "job-id",
						Usage: "Job ID (generated when empty)",
					},
				},
				Action: enqueueJob,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func extractRows(ctx context.Context, cmd *cli.Command) error {
	inputPath := cmd.String("input")
	persist := cmd.Bool("persist")

	loadConfig := config.LoadLocalConfig
	if persist {
		loadConfig = config.LoadConfig
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	components, err := app.New(ctx, cfg, app.Options{WithDatabase: persist})
	if err != nil {
		return err
	}
	defer components.Close()

	jobID := uuid.NewString()
	result, err := components.Processor.ProcessDocument(ctx, &processor.ProcessRequest{
		JobID:      jobID,
		Filename:   filepath.Base(inputPath),
		FileSize:   int64(len(data)),
		FileBuffer: data,
		Metadata:   map[string]interface{}{"source": "cli"},
	})
	if err != nil {
		if result == nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "warning:", result.Warning)
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printRows(result)
	}

	if !persist {
		return nil
	}
	if len(result.Rows) == 0 {
		fmt.Fprintln(os.Stderr, "No valid rows found; nothing to persist")
		return nil
	}

	persisted, err := components.Processor.PersistRows(ctx, &processor.PersistRequest{
		JobID: jobID,
		Rows:  result.Rows,
	})
	if err != nil {
		return err
	}
	printReport(persisted.Report)
	return nil
}

func printRows(result *processor.ProcessResult) {
	fmt.Fprintf(os.Stderr, "%s: %d pages, %d rows, %d rejected\n",
		result.Filename, result.PageCount, len(result.Rows), len(result.Rejected))
	if len(result.FailedPages) > 0 {
		fmt.Fprintf(os.Stderr, "failed pages: %v\n", result.FailedPages)
	}
	if len(result.Rows) == 0 {
		fmt.Fprintln(os.Stderr, "No valid rows found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(columnHeaders, "\t"))
	for _, row := range result.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

func printReport(report *storage.PersistReport) {
	for _, o := range report.Outcomes {
		if o.Err != "" {
			fmt.Fprintf(os.Stderr, "row %d: %s (%s)\n", o.Index+1, o.Status, o.Err)
			continue
		}
		fmt.Fprintf(os.Stderr, "row %d: %s\n", o.Index+1, o.Status)
	}
	fmt.Fprintf(os.Stderr, "inserted %d, skipped %d, failed %d\n", report.Inserted, report.Skipped, report.Failed)
}

type enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload queue.JobPayload) (string, error)
}

func enqueueJob(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return err
	}

	jobType := cmd.String("type")
	payload := queue.JobPayload{
		JobID:       cmd.String("job-id"),
		SourceJobID: cmd.String("source-job"),
		FileURL:     cmd.String("url"),
		Metadata:    map[string]interface{}{"source": "cli"},
	}

	switch jobType {
	case queue.JobTypeExtract:
		if path := cmd.String("input"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			payload.Filename = filepath.Base(path)
			payload.FileSize = int64(len(data))
			payload.FileBuffer = data
		} else if payload.FileURL == "" {
			return fmt.Errorf("extract jobs need --input or --url")
		} else {
			payload.Filename = filepath.Base(payload.FileURL)
		}
	case queue.JobTypePersist:
		if payload.SourceJobID == "" {
			return fmt.Errorf("persist jobs need --source-job")
		}
	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}

	var q enqueuer
	switch cfg.QueueBackend {
	case "asynq":
		e, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			return err
		}
		defer e.Close()
		q = e
	default:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()
		q = queue.NewRedisProducer(client, cfg.QueueName, 3)
	}

	id, err := q.Enqueue(ctx, jobType, payload)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
