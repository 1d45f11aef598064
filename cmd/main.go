package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/terabiome/micvm/internal/config"
	"github.com/terabiome/micvm/internal/domain"
	"github.com/terabiome/micvm/internal/hypervisor"
	"github.com/terabiome/micvm/internal/pinning"
	"github.com/terabiome/micvm/internal/topology"
	"github.com/terabiome/micvm/pkg/logger"
	"github.com/terabiome/micvm/pkg/telemetry"
	"github.com/urfave/cli/v2"
)

func main() {
	os.Exit(run(os.Args))
}

// run keeps process termination out of the telemetry shutdown path: returning
// a status code lets the deferred shutdown flush buffered spans before main
// calls os.Exit.
func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		return 1
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	var tel *telemetry.Telemetry
	if cfg.TelemetryEnabled {
		tel, err = telemetry.Initialize("micvm")
		if err != nil {
			log.Error("failed to initialize telemetry", slog.String("error", err.Error()))
			return 1
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
			}
		}()
	}

	if err := newApp(cfg, log, tel).Run(args); err != nil {
		log.Error("micvm failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func newApp(cfg *config.Config, log *slog.Logger, tel *telemetry.Telemetry) *cli.App {
	return &cli.App{
		Name:                 "micvm",
		Usage:                "Generate KVM domain XML with vCPU pinning for many-core coprocessor hosts",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "core-num",
				Usage: "total physical core count of the host (required)",
			},
			&cli.IntFlag{
				Name:  "total-mem-size",
				Usage: "total guest memory in GiB (required)",
			},
			&cli.StringFlag{
				Name:  "input-file",
				Usage: "existing domain XML to patch instead of generating a fresh document",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "write the document to `PATH` instead of stdout",
			},
			&cli.IntFlag{
				Name:  "omit-cores",
				Usage: "leading cores reserved for the host OS",
				Value: 2,
			},
			&cli.IntFlag{
				Name:  "vm-cores",
				Usage: "guest-visible core count",
				Value: 61,
			},
			&cli.StringFlag{
				Name:  "vm-file",
				Usage: "guest disk image `PATH` (required unless --input-file is given)",
			},
			&cli.IntFlag{
				Name:  "numanode1-ram",
				Usage: "memory in GiB owned by guest NUMA cell 1 (0 disables the cell)",
				Value: 16,
			},
			&cli.IntFlag{
				Name:  "numanode1-vcpus",
				Usage: "vCPU count owned by guest NUMA cell 1 (0 disables the cell)",
				Value: 4,
			},
			&cli.IntFlag{
				Name:  "threads-per-core",
				Usage: "hardware threads per physical core",
				Value: cfg.ThreadsPerCore,
			},
			&cli.StringFlag{
				Name:  "vm-name",
				Usage: "domain name used in full-document mode",
				Value: "micvm",
			},
			&cli.BoolFlag{
				Name:  "define",
				Usage: "also define the generated domain on the hypervisor",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			return runGenerate(cliCtx, cfg, log, tel)
		},
		Commands: []*cli.Command{
			{
				Name:  "topology",
				Usage: "Detect and print the host CPU topology",
				Action: func(cliCtx *cli.Context) error {
					return runTopology()
				},
			},
		},
	}
}

func runGenerate(cliCtx *cli.Context, cfg *config.Config, log *slog.Logger, tel *telemetry.Telemetry) error {
	if tel != nil {
		_, span := tel.StartSpan(cliCtx.Context, "generate")
		defer span.End()
	}

	inputFile := cliCtx.String("input-file")
	vmFile := cliCtx.String("vm-file")
	if inputFile == "" && vmFile == "" {
		return errors.New("either --vm-file or --input-file is required")
	}

	placement, err := pinning.Plan(
		pinning.Topology{
			PhysicalCores:  cliCtx.Int("core-num"),
			ThreadsPerCore: cliCtx.Int("threads-per-core"),
			ReservedCores:  cliCtx.Int("omit-cores"),
		},
		pinning.GuestRequest{
			Cores:          cliCtx.Int("vm-cores"),
			MemoryGiB:      cliCtx.Int("total-mem-size"),
			Node1MemoryGiB: cliCtx.Int("numanode1-ram"),
			Node1VCPUs:     cliCtx.Int("numanode1-vcpus"),
		},
	)
	if err != nil {
		return err
	}
	log.Debug("computed placement",
		slog.Int("vcpus", placement.TotalVCPUs),
		slog.Int("numa_cells", len(placement.Cells)),
	)

	var doc string
	if inputFile != "" {
		raw, err := os.ReadFile(inputFile)
		if err != nil {
			return fmt.Errorf("could not read input file %s: %w", inputFile, err)
		}
		doc, err = domain.Patch(string(raw), placement)
		if err != nil {
			return err
		}
		log.Debug("patched existing domain", slog.String("input", inputFile))
	} else {
		d := domain.New(placement, domain.Params{
			Name:      cliCtx.String("vm-name"),
			UUID:      uuid.NewString(),
			MemoryGiB: cliCtx.Int("total-mem-size"),
			DiskPath:  vmFile,
			Network:   "default",
		})
		doc, err = domain.Render(d)
		if err != nil {
			return err
		}
		log.Debug("rendered new domain", slog.String("vm", cliCtx.String("vm-name")))
	}

	outputFile := cliCtx.String("output-file")
	if outputFile == "" {
		fmt.Println(doc)
	} else {
		if err := os.WriteFile(outputFile, []byte(doc+"\n"), 0o644); err != nil {
			return fmt.Errorf("could not write output file %s: %w", outputFile, err)
		}
		log.Info("wrote domain XML", slog.String("output", outputFile))
	}

	if cliCtx.Bool("define") {
		definer := hypervisor.NewDefiner(cfg.LibvirtURI, log)
		if err := definer.Define(doc); err != nil {
			return err
		}
	}

	return nil
}

func runTopology() error {
	host, err := topology.Detect()
	if err != nil {
		return fmt.Errorf("could not detect host topology: %w", err)
	}

	fmt.Printf("Logical CPUs:     %d\n", host.LogicalCPUs)
	fmt.Printf("Physical cores:   %d\n", host.PhysicalCores)
	fmt.Printf("Threads per core: %d\n", host.ThreadsPerCore)
	fmt.Printf("Sockets:          %d\n", host.Sockets)
	fmt.Printf("NUMA nodes:       %d\n", host.NUMANodes)
	return nil
}
