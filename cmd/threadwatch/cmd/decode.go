package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"threadwatch/internal/record"
	"threadwatch/internal/writer"
)

var (
	decodeCompression compressionFlag
	decodeLimit       int
)

// compressionFlag parses --compression while the flags are parsed, so an
// unknown name fails before the file is opened.
type compressionFlag writer.Compression

var _ pflag.Value = (*compressionFlag)(nil)

func (f *compressionFlag) String() string { return writer.Compression(*f).String() }
func (f *compressionFlag) Type() string   { return "compression" }

func (f *compressionFlag) Set(name string) error {
	c, err := writer.ParseCompression(name)
	if err != nil {
		return err
	}
	*f = compressionFlag(c)
	return nil
}

// decodeCmd dumps a record file, one record per line.
var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "print the records of a capture file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		out := bufio.NewWriter(cmd.OutOrStdout())
		defer out.Flush()

		counts, err := decodeStream(f, writer.Compression(decodeCompression), out, decodeLimit)
		log.Info().
			Str("file", args[0]).
			Int("thread_start", counts[record.TypeThreadStart]).
			Int("thread_death", counts[record.TypeThreadDeath]).
			Int("thread_sample", counts[record.TypeThreadSample]).
			Msg("Decoded capture file")
		return err
	},
}

// decodeStream writes up to limit records (all if limit <= 0) from r to out
// and returns the number of records per type.
func decodeStream(r io.Reader, c writer.Compression, out io.Writer, limit int) (map[record.Type]int, error) {
	counts := make(map[record.Type]int)

	src, closeFn, err := writer.NewReader(r, c)
	if err != nil {
		return counts, err
	}
	defer closeFn()

	dec := record.NewDecoder(src)
	if err := dec.ReadHeader(); err != nil {
		return counts, err
	}

	var rec record.Record
	for n := 0; limit <= 0 || n < limit; n++ {
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return counts, nil
		}
		if err != nil {
			return counts, fmt.Errorf("record %d: %w", n, err)
		}
		counts[rec.Type]++
		if _, err := fmt.Fprintln(out, rec.String()); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().Var(&decodeCompression, "compression",
		"stream compression of the file: none, zstd or lz4")
	decodeCmd.Flags().IntVarP(&decodeLimit, "limit", "n", 0,
		"stop after this many records (0 prints all)")
}
