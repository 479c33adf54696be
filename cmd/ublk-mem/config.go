package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// defaultConfig does not need to exist; every option has a default.
const defaultConfig = "/etc/ublk/ublk-mem.toml"

// config is read from a toml file, then the environment. Command line flags
// win over both.
type config struct {
	ConfigPath string

	Size       string `toml:"size" env:"UBLK_MEM_SIZE" env-default:"64M" env-description:"Size of the memory disk (e.g. 64M, 1G)."`
	Queues     int    `toml:"queues" env:"UBLK_MEM_QUEUES" env-default:"1" env-description:"Number of hardware queues."`
	QueueDepth int    `toml:"queue_depth" env:"UBLK_MEM_QUEUE_DEPTH" env-default:"128" env-description:"Requests per queue."`
	BlockSize  int    `toml:"block_size" env:"UBLK_MEM_BLOCK_SIZE" env-default:"512" env-description:"Logical block size in bytes."`
	MaxIOSize  string `toml:"max_io_size" env:"UBLK_MEM_MAX_IO_SIZE" env-default:"1M" env-description:"Largest single request."`
	DeviceID   int    `toml:"device_id" env:"UBLK_MEM_DEVICE_ID" env-default:"-1" env-description:"Device id to request, -1 lets the kernel pick."`
	CPUs       []int  `toml:"cpus" env:"UBLK_MEM_CPUS" env-separator:"," env-description:"CPUs for the queue threads, round-robin. Empty asks the kernel."`

	Unprivileged bool `toml:"unprivileged" env:"UBLK_MEM_UNPRIVILEGED" env-default:"false" env-description:"Create a device owned by the calling user."`
	NeedGetData  bool `toml:"need_get_data" env:"UBLK_MEM_NEED_GET_DATA" env-default:"false" env-description:"Fetch write data in a separate step."`
	UserRecovery bool `toml:"user_recovery" env:"UBLK_MEM_USER_RECOVERY" env-default:"false" env-description:"Keep the device QUIESCED if this process dies."`
	Recover      bool `toml:"recover" env:"UBLK_MEM_RECOVER" env-default:"false" env-description:"Attach to the QUIESCED device given by device_id instead of creating one."`

	DrainTimeout time.Duration `toml:"drain_timeout" env:"UBLK_MEM_DRAIN_TIMEOUT" env-default:"30s" env-description:"How long shutdown waits for in-flight requests."`
	RunDir       string        `toml:"run_dir" env:"UBLK_MEM_RUN_DIR" env-default:"" env-description:"Directory for the JSON device export. Empty disables it."`

	Log struct {
		Level  string `toml:"level" env:"UBLK_MEM_LOG_LEVEL" env-default:"info" env-description:"Log level: debug, info, warn or error."`
		Format string `toml:"format" env:"UBLK_MEM_LOG_FORMAT" env-default:"text" env-description:"Log format: text or json."`
	} `toml:"log"`

	Metrics struct {
		Listen string `toml:"listen" env:"UBLK_MEM_METRICS_LISTEN" env-default:"" env-description:"Address for the prometheus endpoint, e.g. :9100. Empty disables it."`
		Path   string `toml:"path" env:"UBLK_MEM_METRICS_PATH" env-default:"/metrics" env-description:"HTTP path of the prometheus endpoint."`
	} `toml:"metrics"`

	size  int64
	maxIO int64
	dump  bool
}

// loadConfig parses args, then the config file (or the environment alone
// when the file is missing), then applies the flags that were set.
func loadConfig(args []string, output io.Writer) (*config, error) {
	var cfg config

	f := flag.NewFlagSet("ublk-mem", flag.ContinueOnError)
	f.SetOutput(output)
	f.StringVar(&cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	size := f.String("size", "", "Size of the memory disk (e.g., 64M, 1G)")
	verbose := f.Bool("v", false, "Verbose output")
	recoverDev := f.Bool("recover", false, "Recover the device given by -id")
	id := f.Int("id", -1, "Device id")
	f.BoolVar(&cfg.dump, "dump", false, "Print the export of the device given by -id and exit")
	f.Usage = cleanenv.FUsage(f.Output(), &cfg, nil, f.Usage)
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	if err := cleanenv.ReadConfig(cfg.ConfigPath, &cfg); err != nil {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
	}

	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "size":
			cfg.Size = *size
		case "v":
			if *verbose {
				cfg.Log.Level = "debug"
			}
		case "recover":
			cfg.Recover = *recoverDev
		case "id":
			cfg.DeviceID = *id
		}
	})

	var err error
	if cfg.size, err = parseSize(cfg.Size); err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", cfg.Size, err)
	}
	if cfg.maxIO, err = parseSize(cfg.MaxIOSize); err != nil {
		return nil, fmt.Errorf("invalid max_io_size %q: %w", cfg.MaxIOSize, err)
	}
	if cfg.Recover && cfg.DeviceID < 0 {
		return nil, fmt.Errorf("recover needs a device id")
	}
	if cfg.dump && (cfg.DeviceID < 0 || cfg.RunDir == "") {
		return nil, fmt.Errorf("dump needs a device id and run_dir")
	}
	return &cfg, nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if num <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
