// Command ociunpack downloads a container image from an OCI/Docker registry
// and unpacks it into a directory, sandboxed with Linux Landlock.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sconf"
)

var version = "(devel)"

// Name of the per-run blob cache directory inside the target, used when no
// persistent cache directory is configured.
const ephemeralCacheName = ".blobcache"

var configFile string
var config struct {
	CacheDir        string `sconf:"optional" sconf-doc:"Directory for the content-addressed blob cache, kept across runs. Empty for a cache private to a single run. The environment variable $OCI_CACHE_DIR overrides this setting."`
	CacheMaxEntries int    `sconf:"optional" sconf-doc:"Maximum number of blobs kept in the cache before least recently used blobs are evicted. Default 128."`
	Username        string `sconf:"optional" sconf-doc:"Username sent to the registry token endpoint, for private repositories."`
	Password        string `sconf:"optional" sconf-doc:"Password sent to the registry token endpoint."`
	TimeoutSeconds  int    `sconf:"optional" sconf-doc:"Timeout in seconds waiting for response headers of each registry request. Default 30."`
}

// Prints requests and responses.
var debugFlag bool

func xparseConfig() {
	if err := sconf.ParseFile(configFile, &config); err != nil {
		log.Fatalf("%v", err)
	}
}

// Parse the config file if present, apply defaults and environment.
func loadConfig() {
	if _, err := os.Stat(configFile); err == nil {
		xparseConfig()
	}
	if dir := os.Getenv("OCI_CACHE_DIR"); dir != "" {
		config.CacheDir = dir
	}
	if config.CacheMaxEntries == 0 {
		config.CacheMaxEntries = 128
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = 30
	}
}

func main() {
	log.SetFlags(0)
	flag.Usage = func() {
		log.Println("usage: ociunpack unpack [flags] image target")
		log.Println("       ociunpack resolve [flags] image")
		log.Println("       ociunpack describe >ociunpack.conf")
		log.Println("       ociunpack testconfig ociunpack.conf")
		log.Println("       ociunpack version")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.StringVar(&configFile, "config", "ociunpack.conf", "path to configuration file, need not exist")
	flag.BoolVar(&debugFlag, "debug", false, "enable debug logging, e.g. printing HTTP requests and responses")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "unpack":
		loadConfig()
		unpack(args)
	case "resolve":
		loadConfig()
		resolve(args)
	case "describe":
		if len(args) != 0 {
			flag.Usage()
		}
		if err := sconf.Describe(os.Stdout, config); err != nil {
			log.Fatalf("describing config: %v", err)
		}
	case "testconfig":
		if len(args) != 1 {
			flag.Usage()
		}
		configFile = args[0]
		xparseConfig()
	case "version":
		if len(args) != 0 {
			flag.Usage()
		}
		fmt.Println(version)
	default:
		flag.Usage()
	}
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func logCheck(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Printf("%s: %s", fmt.Sprintf(format, args...), err)
}

// Platform flags shared by unpack and resolve. Defaults are the host.
func platformFlags(fs *flag.FlagSet) *Platform {
	p := &Platform{}
	fs.StringVar(&p.Architecture, "arch", runtime.GOARCH, "image architecture to select from a multiplatform image")
	fs.StringVar(&p.OS, "os", runtime.GOOS, "image operating system to select")
	fs.StringVar(&p.Variant, "variant", "", "preferred cpu variant, e.g. v7 for arm")
	return p
}

func unpack(args []string) {
	fs := flag.NewFlagSet("unpack", flag.ExitOnError)
	platform := platformFlags(fs)
	var nosandbox, strictOwner, quiet bool
	var metricsAddr string
	var timeout time.Duration
	fs.BoolVar(&nosandbox, "nosandbox", false, "continue when the kernel sandbox is unavailable, instead of refusing to unpack")
	fs.BoolVar(&strictOwner, "strictowner", false, "fail when file ownership cannot be applied, instead of warning")
	fs.BoolVar(&quiet, "quiet", false, "no progress bar")
	fs.StringVar(&metricsAddr, "metricsaddr", "", "if set, address to serve prometheus metrics on during the operation")
	fs.DurationVar(&timeout, "timeout", 0, "overall deadline for the operation, e.g. 10m, 0 for none")
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 2 {
		flag.Usage()
	}

	ref, err := parseReference(args[0])
	xcheckf(err, "parsing image reference")
	target := args[1]

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Fatalln(http.ListenAndServe(metricsAddr, mux))
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Without a configured cache directory, the cache lives inside the
	// target for the duration of the run: the sandbox then needs no access
	// outside the target at all, and cleanup is a simple remove.
	cacheDir := config.CacheDir
	ephemeral := cacheDir == ""
	if ephemeral {
		err := os.MkdirAll(target, 0755)
		xcheckf(err, "creating target directory")
		cacheDir = filepath.Join(target, ephemeralCacheName)
	}
	cache, err := openBlobCache(ctx, cacheDir, config.CacheMaxEntries)
	xcheckf(err, "opening blob cache")
	defer func() {
		err := cache.Close()
		logCheck(err, "closing blob cache")
		if ephemeral {
			err := os.RemoveAll(cacheDir)
			logCheck(err, "removing blob cache")
		}
	}()

	tr := newTransport(time.Duration(config.TimeoutSeconds) * time.Second)
	tr.username = config.Username
	tr.password = config.Password

	u := Unpacker{
		Transport:      tr,
		Cache:          cache,
		Platform:       *platform,
		RequireSandbox: !nosandbox,
		StrictOwner:    strictOwner,
		Warn: func(format string, args ...any) {
			log.Printf("warning: "+format, args...)
		},
	}

	// Progress bar over the blob downloads.
	if !quiet && !debugFlag {
		var bar *pb.ProgressBar
		u.Events = Events{
			DownloadStart: func(blobs int, totalBytes int64) {
				bar = pb.New64(totalBytes).Set(pb.Bytes, true)
				bar.SetWidth(64)
				bar.Start()
			},
			Progress: func(n int) {
				if bar != nil {
					bar.Add(n)
				}
			},
			LayerStart: func(digest string, size int64) {
				if bar != nil {
					bar.Finish()
					bar = nil
				}
			},
		}
	}

	digest, err := u.Unpack(ctx, ref, target)
	if err != nil && isCanceled(err) {
		log.Fatalf("canceled: %v", err)
	}
	xcheckf(err, "unpacking %s", ref)
	log.Printf("unpacked %s (%s) into %s", ref, digest, target)
}

func resolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	platform := platformFlags(fs)
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 1 {
		flag.Usage()
	}

	ref, err := parseReference(args[0])
	xcheckf(err, "parsing image reference")

	tr := newTransport(time.Duration(config.TimeoutSeconds) * time.Second)
	tr.username = config.Username
	tr.password = config.Password

	client := newRegistryClient(tr, ref)
	manifest, _, digest, err := client.fetchManifest(context.Background(), ref, *platform)
	xcheckf(err, "resolving %s", ref)

	out, err := json.MarshalIndent(manifest, "", "\t")
	xcheckf(err, "marshal manifest")
	fmt.Printf("%s\n%s\n", digest, out)
}
