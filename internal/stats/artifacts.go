package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"nnetcore/internal/model"
)

const (
	runIndexFile     = "run_index.json"
	configFile       = "config.json"
	phaseReportsFile = "phase_reports.csv"
	totalsFile       = "totals.json"
)

var phaseReportHeader = []string{"output", "phase", "start_minibatch", "end_minibatch", "weight", "objective", "avg_objective"}

type RunConfig struct {
	RunID               string  `json:"run_id"`
	Task                string  `json:"task"`
	Seed                int64   `json:"seed"`
	Minibatches         int     `json:"minibatches"`
	MinibatchSize       int     `json:"minibatch_size"`
	Compress            bool    `json:"compress"`
	LearningRate        float64 `json:"learning_rate"`
	Momentum            float64 `json:"momentum"`
	MaxParamChange      float64 `json:"max_param_change"`
	PrintInterval       int     `json:"print_interval"`
	StoreComponentStats bool    `json:"store_component_stats"`
	ZeroComponentStats  bool    `json:"zero_component_stats"`
	PerturbProportion   float64 `json:"perturb_proportion"`
	Epsilon             float64 `json:"epsilon"`
	MinibatchSizeInput  string  `json:"minibatch_size_input,omitempty"`
}

type RunArtifacts struct {
	Config       RunConfig
	PhaseReports []model.PhaseReport
	Totals       []model.ObjectiveTotals
	ProbeTotals  []model.ObjectiveTotals
}

// TotalsFile is the layout of totals.json.
type TotalsFile struct {
	Totals      []model.ObjectiveTotals `json:"totals"`
	ProbeTotals []model.ObjectiveTotals `json:"probe_totals,omitempty"`
}

type RunIndexEntry struct {
	RunID         string  `json:"run_id"`
	Task          string  `json:"task"`
	Minibatches   int     `json:"minibatches"`
	MinibatchSize int     `json:"minibatch_size"`
	Seed          int64   `json:"seed"`
	Perturbed     int     `json:"perturbed"`
	FinalAvgObjf  float64 `json:"final_avg_objf"`
	CreatedAtUTC  string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writePhaseReports(filepath.Join(runDir, phaseReportsFile), artifacts.PhaseReports); err != nil {
		return "", err
	}
	totals := TotalsFile{Totals: artifacts.Totals, ProbeTotals: artifacts.ProbeTotals}
	if err := writeJSON(filepath.Join(runDir, totalsFile), totals); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// later appends win ties
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, phaseReportsFile, totalsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, configFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadTotals(baseDir, runID string) (TotalsFile, bool, error) {
	path := filepath.Join(baseDir, runID, totalsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TotalsFile{}, false, nil
		}
		return TotalsFile{}, false, err
	}

	var totals TotalsFile
	if err := json.Unmarshal(data, &totals); err != nil {
		return TotalsFile{}, false, err
	}
	return totals, true, nil
}

func writePhaseReports(path string, reports []model.PhaseReport) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(phaseReportHeader); err != nil {
		return err
	}
	for _, r := range reports {
		if err := writer.Write([]string{
			r.Output,
			strconv.Itoa(r.Phase),
			strconv.Itoa(r.StartMinibatch),
			strconv.Itoa(r.EndMinibatch),
			strconv.FormatFloat(r.Weight, 'g', -1, 64),
			strconv.FormatFloat(r.Objective, 'g', -1, 64),
			strconv.FormatFloat(r.AvgObjective, 'g', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadPhaseReports(baseDir, runID string) ([]model.PhaseReport, bool, error) {
	path := filepath.Join(baseDir, runID, phaseReportsFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.PhaseReport{}, true, nil
		}
		return nil, false, err
	}
	if len(header) != len(phaseReportHeader) {
		return nil, false, fmt.Errorf("phase report header must have %d columns", len(phaseReportHeader))
	}

	reports := make([]model.PhaseReport, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		report, err := parsePhaseReport(record)
		if err != nil {
			return nil, false, err
		}
		reports = append(reports, report)
	}
	return reports, true, nil
}

func parsePhaseReport(record []string) (model.PhaseReport, error) {
	var (
		report model.PhaseReport
		err    error
	)
	report.Output = record[0]
	ints := []*int{&report.Phase, &report.StartMinibatch, &report.EndMinibatch}
	for i, dst := range ints {
		if *dst, err = strconv.Atoi(record[1+i]); err != nil {
			return model.PhaseReport{}, fmt.Errorf("phase report column %s: %w", phaseReportHeader[1+i], err)
		}
	}
	floatCols := []*float64{&report.Weight, &report.Objective, &report.AvgObjective}
	for i, dst := range floatCols {
		if *dst, err = strconv.ParseFloat(record[4+i], 64); err != nil {
			return model.PhaseReport{}, fmt.Errorf("phase report column %s: %w", phaseReportHeader[4+i], err)
		}
	}
	return report, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
