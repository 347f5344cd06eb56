package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apklens/apklens/internal/catalog"
	"github.com/apklens/apklens/internal/core/config"
	"github.com/apklens/apklens/internal/derive"
	"github.com/apklens/apklens/internal/partition"
	"github.com/apklens/apklens/internal/segment"
	"github.com/apklens/apklens/internal/telemetry"
)

var testDatasets = map[string]string{
	"vehicles.yaml": `
name: vehicles
remote_id: m9d7-ebf2
order_key: kenteken
sharded: true
columns:
  - kenteken
  - merk
  - handelsbenaming
  - datum_eerste_toelating
  - catalogusprijs
`,
	"inspections.yaml": `
name: inspections
remote_id: sgfe-77wx
order_key: kenteken
sharded: true
columns:
  - kenteken
  - meld_datum_door_keuringsinstantie
  - meld_tijd_door_keuringsinstantie
  - vervaldatum_keuring
  - soort_melding_ki_omschrijving
`,
	"defects_found.yaml": `
name: defects_found
remote_id: a34c-vvps
order_key: kenteken
sharded: true
columns:
  - kenteken
  - meld_datum_door_keuringsinstantie
  - meld_tijd_door_keuringsinstantie
  - gebrek_identificatie
  - aantal_gebreken_geconstateerd
`,
	"fuel.yaml": `
name: fuel
remote_id: 8ys7-d773
order_key: kenteken
sharded: true
columns:
  - kenteken
  - brandstof_volgnummer
  - brandstof_omschrijving
`,
	"defect_codes.yaml": `
name: defect_codes
remote_id: hx2c-gt7k
order_key: gebrek_identificatie
sharded: false
columns:
  - gebrek_identificatie
  - gebrek_omschrijving
  - gebrek_artikel_nummer
`,
}

func writeTestCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range testDatasets {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func writeSegment(t *testing.T, store *partition.Store, dataset, prefix string, columns []string, rows []segment.Row) {
	t.Helper()

	p := store.Ensure(dataset, prefix)
	w, err := segment.Create(store.SegmentPath(p), segment.Header{
		Dataset: dataset,
		Prefix:  prefix,
		Columns: columns,
	})
	require.NoError(t, err)

	written, err := w.AppendPage(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	p.RecordPage(int64(len(rows)), written)
	p.MarkComplete()
	require.NoError(t, store.Update(p))
}

// seedRun writes a complete two-vehicle fetch run into the store.
func seedRun(t *testing.T, store *partition.Store) {
	t.Helper()

	writeSegment(t, store, "vehicles", "A",
		[]string{"kenteken", "merk", "handelsbenaming", "datum_eerste_toelating", "catalogusprijs"},
		[]segment.Row{
			{"kenteken": "AB123C", "merk": "Toyota", "handelsbenaming": "Aygo", "datum_eerste_toelating": "20150101", "catalogusprijs": "15000"},
			{"kenteken": "AB999X", "merk": "Toyota", "handelsbenaming": "Yaris", "datum_eerste_toelating": "20180601", "catalogusprijs": "21000"},
		})

	writeSegment(t, store, "inspections", "A",
		[]string{"kenteken", "meld_datum_door_keuringsinstantie", "meld_tijd_door_keuringsinstantie", "vervaldatum_keuring", "soort_melding_ki_omschrijving"},
		[]segment.Row{
			{"kenteken": "AB123C", "meld_datum_door_keuringsinstantie": "20230310", "meld_tijd_door_keuringsinstantie": "930", "vervaldatum_keuring": "20240310", "soort_melding_ki_omschrijving": "Periodieke controle"},
			{"kenteken": "AB999X", "meld_datum_door_keuringsinstantie": "20230401", "meld_tijd_door_keuringsinstantie": "1415", "vervaldatum_keuring": "20240401", "soort_melding_ki_omschrijving": "Periodieke controle"},
		})

	writeSegment(t, store, "defects_found", "A",
		[]string{"kenteken", "meld_datum_door_keuringsinstantie", "meld_tijd_door_keuringsinstantie", "gebrek_identificatie", "aantal_gebreken_geconstateerd"},
		[]segment.Row{
			{"kenteken": "AB123C", "meld_datum_door_keuringsinstantie": "20230310", "meld_tijd_door_keuringsinstantie": "930", "gebrek_identificatie": "205", "aantal_gebreken_geconstateerd": "2"},
			{"kenteken": "AB123C", "meld_datum_door_keuringsinstantie": "20230310", "meld_tijd_door_keuringsinstantie": "930", "gebrek_identificatie": "110", "aantal_gebreken_geconstateerd": "1"},
		})

	writeSegment(t, store, "fuel", "A",
		[]string{"kenteken", "brandstof_volgnummer", "brandstof_omschrijving"},
		[]segment.Row{
			{"kenteken": "AB123C", "brandstof_volgnummer": "1", "brandstof_omschrijving": "Benzine"},
			{"kenteken": "AB999X", "brandstof_volgnummer": "1", "brandstof_omschrijving": "Elektriciteit"},
		})

	writeSegment(t, store, "defect_codes", "",
		[]string{"gebrek_identificatie", "gebrek_omschrijving", "gebrek_artikel_nummer"},
		[]segment.Row{
			{"gebrek_identificatie": "110", "gebrek_omschrijving": "Remwerking onvoldoende", "gebrek_artikel_nummer": "5.2.31"},
			{"gebrek_identificatie": "205", "gebrek_omschrijving": "Band onvoldoende profiel", "gebrek_artikel_nummer": "5.2.27"},
		})
}

func newTestPipeline(t *testing.T) (*Pipeline, *partition.Store, string) {
	t.Helper()

	store, err := partition.OpenStore(t.TempDir())
	require.NoError(t, err)

	cat, err := catalog.Load(writeTestCatalog(t))
	require.NoError(t, err)

	outDir := t.TempDir()
	cfg := &config.Config{
		Data: config.DataConfig{OutDir: outDir},
		Process: config.ProcessConfig{
			AggregationShards: 4,
		},
		Thresholds: config.ThresholdConfig{
			Brand:         1,
			BrandFeatured: 1,
			Model:         1,
			ModelFeatured: 1,
			AgeBracket:    1,
		},
	}

	metrics, _ := telemetry.NewCollector("apklens_pipeline_test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, cat, store, metrics, logger), store, outDir
}

func TestRunPublishesArtifacts(t *testing.T) {
	p, store, outDir := newTestPipeline(t)
	seedRun(t, store)

	require.NoError(t, p.Run(context.Background()))

	for _, name := range []string{"brand_stats.json", "model_stats.json", "rankings.json", "defect_stats.json", "metadata.json"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		require.NoError(t, err, name)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "brand_stats.json"))
	require.NoError(t, err)
	var brands []derive.Metric
	require.NoError(t, json.Unmarshal(data, &brands))
	require.Len(t, brands, 1)
	require.Equal(t, "TOYOTA", brands[0].Brand)
	require.EqualValues(t, 2, brands[0].Inspections)
	require.EqualValues(t, 2, brands[0].Vehicles)

	data, err = os.ReadFile(filepath.Join(outDir, "model_stats.json"))
	require.NoError(t, err)
	var models []derive.Metric
	require.NoError(t, json.Unmarshal(data, &models))
	require.Len(t, models, 2)

	data, err = os.ReadFile(filepath.Join(outDir, "metadata.json"))
	require.NoError(t, err)
	var meta struct {
		RunID            string           `json:"run_id"`
		TotalInspections int64            `json:"total_inspections"`
		TotalVehicles    int64            `json:"total_vehicles"`
		FuelTypes        []string         `json:"fuel_types"`
		Discards         map[string]int64 `json:"discards"`
	}
	require.NoError(t, json.Unmarshal(data, &meta))
	require.Equal(t, store.RunID(), meta.RunID)
	require.EqualValues(t, 2, meta.TotalInspections)
	require.EqualValues(t, 2, meta.TotalVehicles)
	require.Contains(t, meta.FuelTypes, "Benzine")
	require.Contains(t, meta.FuelTypes, "Elektriciteit")
	require.Empty(t, meta.Discards)
}

func TestRunResolvesDefectDescriptions(t *testing.T) {
	p, store, outDir := newTestPipeline(t)
	seedRun(t, store)

	require.NoError(t, p.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(outDir, "defect_stats.json"))
	require.NoError(t, err)
	var defects []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Count       int64  `json:"count"`
		WearAndTear bool   `json:"wear_and_tear"`
	}
	require.NoError(t, json.Unmarshal(data, &defects))
	require.Len(t, defects, 2)

	require.Equal(t, "205", defects[0].Code)
	require.EqualValues(t, 2, defects[0].Count)
	require.Equal(t, "Band onvoldoende profiel", defects[0].Description)
	require.True(t, defects[0].WearAndTear)

	require.Equal(t, "110", defects[1].Code)
	require.False(t, defects[1].WearAndTear)
}

func TestRunRefusesIncompleteFetch(t *testing.T) {
	p, store, outDir := newTestPipeline(t)
	seedRun(t, store)

	stalled := store.Ensure("vehicles", "B")
	require.NoError(t, store.Update(stalled))

	err := p.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "incomplete")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
