package recovery

import (
	"fmt"
	"os"
	"sort"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type balanceRow struct {
	Main               string `parquet:"name=main, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset              string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance            string `parquet:"name=balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Proxies            int32  `parquet:"name=proxies, type=INT32"`
	SnapshotID         int64  `parquet:"name=snapshot_id, type=INT64"`
	WorkerNonce        int64  `parquet:"name=worker_nonce, type=INT64"`
	StateChangeID      int64  `parquet:"name=state_change_id, type=INT64"`
	LastProcessedBlock int64  `parquet:"name=last_processed_block, type=INT64"`
}

// ExportParquet writes one row per non-zero balance of state, ordered by
// account then asset.
func ExportParquet(state *RecoveryState, path string) (int, error) {
	rows := make([]*balanceRow, 0, len(state.Balances))
	for key, bal := range state.Balances {
		rows = append(rows, &balanceRow{
			Main:               key.Main.String(),
			Asset:              key.Asset.String(),
			Balance:            bal.String(),
			Proxies:            int32(len(state.AccountIDs[key.Main])),
			SnapshotID:         int64(state.SnapshotID),
			WorkerNonce:        int64(state.WorkerNonce),
			StateChangeID:      int64(state.StateChangeID),
			LastProcessedBlock: int64(state.LastProcessedBlock),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Main != rows[j].Main {
			return rows[i].Main < rows[j].Main
		}
		return rows[i].Asset < rows[j].Asset
	})

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("recovery: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(balanceRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("recovery: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("recovery: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("recovery: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("recovery: close parquet file: %w", err)
	}
	return len(rows), nil
}
