// Command transcribe-cli runs one transcription end to end without standing
// up the HTTP server: same configuration, same components, same session
// lifecycle, just a single request driven from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lingotrack/transcriber/config"
	"github.com/lingotrack/transcriber/internal/bootstrap"
	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/transcribe"
)

func main() {
	var (
		configFile    = flag.StringP("config", "c", "config.json", "path to the configuration file")
		modelName     = flag.String("model", "", "inference model variant (defaults to pool.model_name)")
		precision     = flag.String("precision", "", "numeric precision: float16, int8, or float32 (defaults to pool.precision)")
		language      = flag.StringP("language", "l", "auto", "language code, or auto")
		task          = flag.String("task", "transcribe", "task: transcribe or translate")
		useVAD        = flag.Bool("vad", true, "detect speech regions before partitioning")
		minSilenceS   = flag.Float64("min-silence", 0.1, "minimum silence gap between regions, in seconds")
		merge         = flag.BoolP("merge", "m", true, "merge short adjacent subtitles")
		maxChars      = flag.Int("max-chars", 0, "per-line character cap for merging (defaults to post_process.max_chars_per_line)")
		parallel      = flag.BoolP("parallel", "p", false, "dispatch units across every configured device")
		convertScript = flag.Bool("convert-script", false, "convert simplified Chinese output to traditional")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <audio file or URL>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	source := flag.Arg(0)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	lcfg := cfg.Logging
	logger.InitFromConfig(
		lcfg.Level,
		lcfg.Format,
		lcfg.Output,
		lcfg.FilePath,
		lcfg.MaxSize,
		lcfg.MaxBackups,
		lcfg.MaxAge,
		lcfg.Compress,
	)

	ctx := context.Background()
	deps, err := bootstrap.InitApp(ctx, cfg, "")
	if err != nil {
		logger.Error("failed_to_initialize_app_dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close(10 * time.Second)

	if *maxChars == 0 {
		*maxChars = cfg.PostProcess.MaxCharsPerLine
	}

	result, err := deps.Service.Transcribe(ctx, transcribe.Request{
		AudioSource:   source,
		ModelName:     *modelName,
		Precision:     *precision,
		Language:      *language,
		Task:          *task,
		UseVAD:        *useVAD,
		MinSilenceS:   *minSilenceS,
		Merge:         *merge,
		MaxChars:      *maxChars,
		Parallel:      *parallel,
		ConvertScript: *convertScript,
	})
	if err != nil {
		logger.Error("transcription_failed", "source", source, "error", err)
		os.Exit(1)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Fprintf(os.Stderr, "subtitles written to %s\n", result.SubtitlesPath)
	fmt.Print(result.SubtitlesText)
}
