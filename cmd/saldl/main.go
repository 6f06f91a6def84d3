// Command saldl is a segmented, resumable, concurrent HTTP downloader.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saldl-go/saldl/internal/buildinfo"
	"github.com/saldl-go/saldl/internal/params"
)

func main() {
	os.Args = params.SpliceExtraArgs(os.Args)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := params.Default()

	root := &cobra.Command{
		Use:     "saldl URL",
		Short:   "Accelerate downloads via concurrent HTTP range requests",
		Version: buildinfo.Version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.URL = args[0]
			return runDownload(cmd, opts)
		},
	}

	bindFlags(root, opts)
	root.AddCommand(newInfoCmd())
	return root
}

func bindFlags(cmd *cobra.Command, o *params.Options) {
	flags := cmd.Flags()

	flags.BoolVar(&o.Resume, "resume", false, "resume a prior attempt")
	flags.BoolVar(&o.Force, "force", false, "overwrite an existing part file")
	flags.BoolVar(&o.DryRun, "dry-run", false, "probe the remote resource and stop")

	flags.BoolVar(&o.NoPath, "no-path", false, "replace / and : with _ in the derived filename")
	flags.BoolVar(&o.KeepGETAttrs, "keep-get-attrs", false, "keep the query string in the derived filename")
	flags.BoolVar(&o.AutoTrunc, "auto-trunc", false, "shorten an overlong filename")
	flags.BoolVar(&o.SmartTrunc, "smart-trunc", false, "shorten an overlong filename, keeping its extension")

	flags.BoolVar(&o.SingleMode, "single-mode", false, "use a single connection and write directly")
	flags.BoolVar(&o.WholeFile, "whole-file", false, "grow chunk size so chunk count == connections")
	flags.BoolVar(&o.MemBufs, "mem-bufs", false, "buffer chunks in memory instead of temp files")

	flags.Int64Var(&o.ChunkSize, "chunk-size", params.DefaultChunkSize, "bytes per chunk")
	flags.IntVar(&o.NumConnections, "connections", params.DefaultNumConnections, "concurrent connections")
	flags.IntVar(&o.LastChunksFirst, "last-chunks-first", 0, "download the last N chunks first")
	flags.Int64Var(&o.LastSizeFirst, "last-size-first", 0, "download the last N bytes first")
	flags.IntVar(&o.AutoSize, "auto-size", 0, "fit the per-chunk progress bar into N lines")

	flags.Int64Var(&o.ConnectionMaxRate, "connection-max-rate", 0, "per-connection rate limit in bytes/sec")

	flags.BoolVar(&o.NoProxy, "no-proxy", false, "disable proxy usage")
	flags.StringVar(&o.Proxy, "proxy", "", "proxy URL")
	flags.BoolVar(&o.TunnelProxy, "tunnel-proxy", false, "tunnel through the proxy")

	flags.StringVar(&o.Referer, "referer", "", "Referer header")
	flags.BoolVar(&o.AutoReferer, "auto-referer", false, "set Referer to the effective URL on redirect")
	flags.StringVar(&o.UserAgent, "user-agent", "", "User-Agent header")
	flags.BoolVar(&o.NoUserAgent, "no-user-agent", false, "omit the User-Agent header")

	flags.StringVar(&o.Post, "post", "", "POST field data")
	flags.StringVar(&o.RawPost, "raw-post", "", "raw POST body")
	flags.StringVar(&o.CookieFile, "cookie-file", "", "cookie jar file")
	flags.StringVar(&o.InlineCookies, "inline-cookies", "", "inline Cookie header value")
	flags.StringArrayVar(&o.CustomHeaders, "header", nil, "extra request header (repeatable)")

	flags.BoolVar(&o.TLSNoVerify, "tls-no-verify", false, "disable TLS certificate verification")
	flags.BoolVar(&o.NoTimeouts, "no-timeouts", false, "disable low-speed timeouts")
	flags.BoolVar(&o.NoHTTP2, "no-http2", false, "disable HTTP/2")
	flags.BoolVar(&o.HTTP2Upgrade, "http2-upgrade", false, "allow automatic HTTP/2 upgrade probing")
	flags.BoolVar(&o.NoTCPKeepAlive, "no-tcp-keepalive", false, "disable TCP keep-alive")
	flags.BoolVar(&o.NoCompress, "no-compress", false, "do not request compression")
	flags.BoolVar(&o.NoDecompress, "no-decompress", false, "do not decompress a compressed response")

	flags.StringVar(&o.SinceFileMtime, "since-file-mtime", "", "If-Modified-Since from a local file's mtime")
	flags.StringVar(&o.DateExpr, "date-expr", "", "If-Modified-Since/If-Unmodified-Since expression (prefix - for unmodified)")

	flags.BoolVar(&o.NoRemoteInfo, "no-remote-info", false, "force single mode and disable resume (the remote probe still runs)")
	flags.BoolVar(&o.UseHEAD, "use-head", false, "use HEAD instead of GET for probing")
	flags.BoolVar(&o.AssumeRangeSupport, "assume-range-support", false, "assume range support when the probe is indeterminate")
	flags.BoolVar(&o.NoAttachmentDetection, "no-attachment-detection", false, "ignore Content-Disposition")
	flags.BoolVar(&o.FilenameFromRedirect, "filename-from-redirect", false, "derive filename from the redirected URL")

	flags.StringVar(&o.RootDir, "root-dir", "", "output directory")
	flags.StringVar(&o.OutputFilename, "output-filename", "", "explicit output filename")
	flags.BoolVar(&o.Stdout, "stdout", false, "merge chunks strictly in index order; data still goes to the output file, not to stdout")
	flags.BoolVar(&o.ReadOnly, "read-only", false, "probe and simulate without writing output")

	flags.StringVar(&o.MirrorURL, "mirror-url", "", "alternate URL validated against the primary")
	flags.BoolVar(&o.FatalIfInvalidMirror, "fatal-if-invalid-mirror", false, "abort if the mirror URL fails validation")
	flags.BoolVar(&o.AllowFTPSegments, "allow-ftp-segments", false, "allow segmented downloads over FTP")

	flags.BoolVar(&o.RandomOrder, "random-order", false, "merge chunks in any order even when streaming")
	flags.BoolVar(&o.MergeInOrder, "merge-in-order", false, "force strict merge order")

	flags.BoolVar(&o.NoStatus, "no-status", false, "disable the status display")
	flags.IntVar(&o.Verbosity, "verbosity", 3, "log verbosity, 0-7")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
}

func newInfoCmd() *cobra.Command {
	opts := params.Default()
	var field string

	cmd := &cobra.Command{
		Use:   "info URL",
		Short: "Probe a URL and print file-name, file-size, or effective-url, then exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.URL = args[0]
			opts.GetInfo = field
			return runInfo(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&field, "get-info", "file-name", "one of file-name, file-size, effective-url")
	return cmd
}
