package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"stepline/internal/domain"
	"stepline/internal/route"
)

func TestHistoryParquetRoundTrip(t *testing.T) {
	items := []domain.DailyDistance{
		{Date: "2024-03-09", DistanceKm: 1.52},
		{Date: "2024-03-10", DistanceKm: 0.61},
	}
	data, err := HistoryParquet(items, 0.000762)
	if err != nil {
		t.Fatal(err)
	}
	pr, err := reader.NewParquetReader(parquetbuffer.NewBufferFileFromBytes(data), new(historyRow), 1)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	rows := make([]historyRow, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatal(err)
	}
	if rows[1].Date != "2024-03-10" || rows[1].DistanceKm != 0.61 || rows[1].StepsEst != 801 {
		t.Fatalf("unexpected row %+v", rows[1])
	}
}

func TestWriteRoute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "route.parquet")
	at := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	r := route.Route{SessionID: "s1", Points: []domain.RoutePoint{
		{SessionID: "s1", Seq: 1, Lat: 1, Lon: 2, RecordedAt: at},
		{SessionID: "s1", Seq: 2, Lat: 1.001, Lon: 2, RecordedAt: at.Add(time.Second)},
	}}
	if err := WriteRoute(path, r); err != nil {
		t.Fatal(err)
	}
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		t.Fatalf("route file not written: %v", err)
	}
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(routeRow), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestWriteHistoryEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.parquet")
	if err := WriteHistory(path, nil, 0.000762); err != nil {
		t.Fatal(err)
	}
}
