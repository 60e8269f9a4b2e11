// Package export writes distance history and routes as Parquet files.
package export

import (
	"fmt"
	"time"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"stepline/internal/domain"
	"stepline/internal/route"
)

type historyRow struct {
	Date       string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	DistanceKm float64 `parquet:"name=distance_km, type=DOUBLE"`
	StepsEst   int64   `parquet:"name=steps_estimate, type=INT64"`
}

type routeRow struct {
	SessionID  string  `parquet:"name=session_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Seq        int64   `parquet:"name=seq, type=INT64"`
	Lat        float64 `parquet:"name=lat, type=DOUBLE"`
	Lon        float64 `parquet:"name=lon, type=DOUBLE"`
	RecordedAt string  `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func historyRows(items []domain.DailyDistance, stepLengthKm float64) []any {
	rows := make([]any, 0, len(items))
	for _, d := range items {
		var est int64
		if stepLengthKm > 0 {
			est = int64(d.DistanceKm/stepLengthKm + 0.5)
		}
		rows = append(rows, historyRow{Date: d.Date, DistanceKm: d.DistanceKm, StepsEst: est})
	}
	return rows
}

func routeRows(r route.Route) []any {
	rows := make([]any, 0, len(r.Points))
	for _, p := range r.Points {
		rows = append(rows, routeRow{
			SessionID:  p.SessionID,
			Seq:        int64(p.Seq),
			Lat:        p.Lat,
			Lon:        p.Lon,
			RecordedAt: p.RecordedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return rows
}

// HistoryParquet encodes the history in memory. stepLengthKm converts each
// bucket back into an estimated step count.
func HistoryParquet(items []domain.DailyDistance, stepLengthKm float64) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	if err := write(fw, new(historyRow), historyRows(items, stepLengthKm)); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// WriteHistory writes the history to a Parquet file at path.
func WriteHistory(path string, items []domain.DailyDistance, stepLengthKm float64) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return write(fw, new(historyRow), historyRows(items, stepLengthKm))
}

// WriteRoute writes one session's points to a Parquet file at path.
func WriteRoute(path string, r route.Route) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return write(fw, new(routeRow), routeRows(r))
}

// write closes fw in every case.
func write(fw source.ParquetFile, schema any, rows []any) error {
	pw, err := writer.NewParquetWriter(fw, schema, 4)
	if err != nil {
		_ = fw.Close()
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return err
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return err
	}
	return fw.Close()
}
