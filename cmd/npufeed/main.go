package main

import (
	"context"
	"flag"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/channel"
	"github.com/23skdu/longbow-npu/internal/client"
	"github.com/23skdu/longbow-npu/internal/device"
)

var (
	serverAddr  = flag.String("server", "localhost:9090", "Relay Flight address")
	channelName = flag.String("channel", "ingest", "Target data channel on the relay")
	inPath      = flag.String("in", "", "Arrow IPC stream to push ('-' for stdin)")
	random      = flag.Int("random", 0, "Generate N random datasets instead of reading -in")
	shapeFlag   = flag.String("shape", "2,3", "Tensor shape for -random")
	dtypeFlag   = flag.String("dtype", "float32", "Tensor dtype for -random (float32, float16, int32)")
	emit        = flag.Bool("emit", false, "Write records as an Arrow IPC stream to stdout instead of pushing")
	timeout     = flag.Duration("timeout", 60*time.Second, "Overall push timeout")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	mem := memory.NewGoAllocator()
	var (
		recs []arrow.RecordBatch
		err  error
	)
	switch {
	case *random > 0:
		recs, err = generate(mem, *random, *shapeFlag, *dtypeFlag)
	case *inPath == "-":
		recs, err = readStream(mem, os.Stdin)
	case *inPath != "":
		var f *os.File
		f, err = os.Open(*inPath)
		if err == nil {
			recs, err = readStream(mem, f)
			_ = f.Close()
		}
	default:
		log.Fatal().Msg("Nothing to send: pass -in or -random")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare records")
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	if *emit {
		if err := writeArrowStream(os.Stdout, recs); err != nil {
			log.Fatal().Err(err).Msg("Failed to write arrow stream")
		}
		return
	}

	fc, err := client.NewFlightClient(*serverAddr, client.WithAllocator(mem))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create flight client")
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var rows int64
	for _, rec := range recs {
		if err := fc.DoPut(ctx, *channelName, rec); err != nil {
			log.Fatal().Err(err).Int64("sent_rows", rows).Msg("Flight DoPut failed")
		}
		rows += rec.NumRows()
	}
	log.Info().
		Int("records", len(recs)).
		Int64("datasets", rows).
		Str("channel", *channelName).
		Dur("elapsed", time.Since(start)).
		Msg("Pushed datasets to relay")
}

// readStream reads every record of an Arrow IPC stream. The returned
// records are retained and must be released by the caller.
func readStream(mem memory.Allocator, r io.Reader) ([]arrow.RecordBatch, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var recs []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, err
	}
	return recs, nil
}

// generate builds n single-dataset records of uniform random values.
func generate(mem memory.Allocator, n int, shapeStr, dtypeStr string) ([]arrow.RecordBatch, error) {
	shape, err := device.ParseShape(shapeStr)
	if err != nil {
		return nil, err
	}
	dtype, err := device.ParseDataType(dtypeStr)
	if err != nil {
		return nil, err
	}
	size := 1
	for _, d := range shape {
		size *= d
	}

	recs := make([]arrow.RecordBatch, 0, n)
	for range n {
		vals := make([]float32, size)
		for j := range vals {
			if dtype == device.Int32 {
				vals[j] = float32(rand.IntN(1000))
			} else {
				vals[j] = rand.Float32()*2 - 1
			}
		}
		ds := &device.DataSet{
			Names:   []string{"x"},
			Tensors: []*device.Tensor{device.NewTensor(shape, dtype, vals)},
		}
		rec, err := channel.ToRecord(mem, ds)
		if err != nil {
			for _, r := range recs {
				r.Release()
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// writeArrowStream writes recs to w as one IPC stream. Every record must
// share the first record's schema.
func writeArrowStream(w io.Writer, recs []arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
