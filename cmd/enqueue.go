package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

type enqueueFlags struct {
	kind       string
	urlType    string
	priority   int
	bookID     int64
	maxRetries int
	file       string
}

func newEnqueueCmd(root *rootFlags) *cobra.Command {
	flags := &enqueueFlags{}
	cmd := &cobra.Command{
		Use:   "enqueue [url...]",
		Short: "Admit crawl targets.",
		Long: `enqueue admits each url, once per kind. Known urls are reported, not
duplicated. Use --file - to read urls from stdin, one per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, err := collectURLs(cmd, args, flags.file)
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return errors.New("no urls given")
			}
			kind, err := queue.ParseKind(flags.kind)
			if err != nil {
				return err
			}
			svc, err := openServices(cmd, root)
			if err != nil {
				return err
			}
			defer closeServices(svc, cmd.ErrOrStderr())

			var failed int
			for _, u := range urls {
				req := admission.Request{URL: u, Kind: kind, URLType: flags.urlType}
				if cmd.Flags().Changed("priority") {
					req.Priority = &flags.priority
				}
				if cmd.Flags().Changed("book-id") {
					req.BookID = &flags.bookID
				}
				if cmd.Flags().Changed("max-retries") {
					req.MaxRetries = &flags.maxRetries
				}
				res, err := svc.Enqueue(cmd.Context(), req)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", u, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", admitLabel(res), res.ID, res.URL)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d urls rejected", failed, len(urls))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.kind, "kind", string(queue.KindListing), "queue kind: listing or book-detail")
	cmd.Flags().StringVar(&flags.urlType, "url-type", "", "url type (page, book_detail, category, author)")
	cmd.Flags().IntVar(&flags.priority, "priority", 1, "dispatch priority, higher first")
	cmd.Flags().Int64Var(&flags.bookID, "book-id", 0, "owning book id for book-detail items")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 3, "retries allowed after the first attempt")
	cmd.Flags().StringVar(&flags.file, "file", "", "read urls from a file, - for stdin")
	return cmd
}

func admitLabel(res admission.Result) string {
	switch {
	case res.Created:
		return "created"
	case res.Reenqueued:
		return "reenqueued"
	default:
		return "exists"
	}
}

func collectURLs(cmd *cobra.Command, args []string, file string) ([]string, error) {
	urls := append([]string(nil), args...)
	if file == "" {
		return urls, nil
	}
	var r io.Reader
	if file == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer f.Close() //nolint:errcheck // read-only
		r = f
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read urls: %w", err)
	}
	return urls, nil
}
