package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/spf13/cobra"

	"github.com/podfirst/node-av-go/codec"
	"github.com/podfirst/node-av-go/demux"
	"github.com/podfirst/node-av-go/mux"
	"github.com/podfirst/node-av-go/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Assemble and run a pipeline from --input to --output",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("input", "", "input URL or file path (required)")
	runCmd.Flags().String("output", "", "output file path (required)")
	runCmd.Flags().String("output-format", "", "force the output container (e.g. mp4); default: probed from --output")
	runCmd.Flags().String("video-encoder", "", "transcode the video stream with this encoder name instead of copying it")
	runCmd.Flags().String("audio-encoder", "", "transcode the audio stream with this encoder name instead of copying it")
	runCmd.Flags().Int64("video-bitrate", 0, "video encoder target bitrate in bits/sec")
	runCmd.Flags().Int64("audio-bitrate", 0, "audio encoder target bitrate in bits/sec")
	runCmd.Flags().String("debug-addr", "", "if set, serve /healthz and /debug/pipeline on this address while running")
	_ = runCmd.MarkFlagRequired("input")
	_ = runCmd.MarkFlagRequired("output")
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	input, _ := cmd.Flags().GetString("input")
	output, _ := cmd.Flags().GetString("output")
	outputFormat, _ := cmd.Flags().GetString("output-format")
	videoEncoderName, _ := cmd.Flags().GetString("video-encoder")
	audioEncoderName, _ := cmd.Flags().GetString("audio-encoder")
	videoBitrate, _ := cmd.Flags().GetInt64("video-bitrate")
	audioBitrate, _ := cmd.Flags().GetInt64("audio-bitrate")
	debugAddr, _ := cmd.Flags().GetString("debug-addr")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	demuxer, err := demux.Open(ctx, demux.Config{URL: input, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer demuxer.Close()

	muxer, cleanup, err := openOutput(output, outputFormat, demuxer, logger)
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	defer cleanup()

	monitor := pipeline.NewResourceMonitor(5 * time.Second)
	defer monitor.Close()

	cancel := pipeline.NewCancel()
	if debugAddr != "" {
		srv := newDebugServer(debugAddr, logger, monitor, muxer)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("debug server stopped", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	go func() {
		<-ctx.Done()
		cancel.Stop()
	}()

	if videoEncoderName == "" && audioEncoderName == "" {
		logger.Info("running stream-copy-all pipeline", slog.String("input", input), slog.String("output", output))
		if err := pipeline.CopyAllPipeline(ctx, demuxer, muxer, cancel); err != nil {
			return fmt.Errorf("running pipeline: %w", err)
		}
		return muxer.Close()
	}

	sets, err := buildNamedStageSets(demuxer, videoEncoderName, audioEncoderName, videoBitrate, audioBitrate, logger)
	if err != nil {
		return err
	}
	logger.Info("running named transcode pipeline", slog.String("input", input), slog.String("output", output))
	if err := pipeline.NamedPipeline(ctx, sets, muxer, cancel); err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}
	return muxer.Close()
}

func openOutput(output, outputFormat string, demuxer *demux.Demuxer, logger *slog.Logger) (*mux.Muxer, func(), error) {
	var of *astiav.OutputFormat
	if outputFormat != "" {
		of = astiav.FindOutputFormat(outputFormat)
		if of == nil {
			return nil, nil, fmt.Errorf("unknown output format %q", outputFormat)
		}
	}
	fc, err := astiav.AllocOutputFormatContext(of, "", output)
	if err != nil {
		return nil, nil, fmt.Errorf("allocating output context: %w", err)
	}

	var ioCtx *astiav.IOContext
	if !fc.OutputFormat().Flags().Has(astiav.IOFormatFlagNoFile) {
		ioCtx, err = astiav.OpenIOContext(output, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
		if err != nil {
			fc.Free()
			return nil, nil, fmt.Errorf("opening output file %q: %w", output, err)
		}
	}

	muxer, err := mux.NewMuxer(mux.MuxerConfig{
		FormatContext:         fc,
		IOContext:             ioCtx,
		Demuxer:               demuxer,
		PreMuxByteThreshold:   2 << 20,
		PreMuxPacketThreshold: 4096,
		Logger:                logger,
	})
	if err != nil {
		if ioCtx != nil {
			_ = ioCtx.Close()
		}
		fc.Free()
		return nil, nil, err
	}

	cleanup := func() {
		_ = muxer.Close()
	}
	return muxer, cleanup, nil
}

func buildNamedStageSets(demuxer *demux.Demuxer, videoEncoderName, audioEncoderName string, videoBitrate, audioBitrate int64, logger *slog.Logger) ([]pipeline.NamedStageSet, error) {
	var sets []pipeline.NamedStageSet

	if v := demuxer.VideoStream(); v != nil {
		set := pipeline.NamedStageSet{Label: "video", Demuxer: demuxer, Video: true}
		if videoEncoderName != "" {
			dec, enc, err := buildTranscodeStages(v, videoEncoderName, videoBitrate, logger)
			if err != nil {
				return nil, fmt.Errorf("video: %w", err)
			}
			set.Stages = []pipeline.Stage{{Decoder: dec}, {Encoder: enc}}
		}
		sets = append(sets, set)
	}
	if a := demuxer.AudioStream(); a != nil {
		set := pipeline.NamedStageSet{Label: "audio", Demuxer: demuxer}
		if audioEncoderName != "" {
			dec, enc, err := buildTranscodeStages(a, audioEncoderName, audioBitrate, logger)
			if err != nil {
				return nil, fmt.Errorf("audio: %w", err)
			}
			set.Stages = []pipeline.Stage{{Decoder: dec}, {Encoder: enc}}
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func buildTranscodeStages(stream *astiav.Stream, encoderName string, bitrate int64, logger *slog.Logger) (*codec.Decoder, *codec.Encoder, error) {
	dec, err := codec.NewDecoder(stream.CodecParameters().CodecID(), codec.DecoderConfig{
		CodecParameters: stream.CodecParameters(),
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating decoder: %w", err)
	}

	encCodec := astiav.FindEncoderByName(encoderName)
	if encCodec == nil {
		return nil, nil, fmt.Errorf("no encoder registered with name %q", encoderName)
	}
	enc, err := codec.NewEncoder(encCodec.ID(), codec.EncoderConfig{
		BitRate: bitrate,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating encoder %q: %w", encoderName, err)
	}
	return dec, enc, nil
}
