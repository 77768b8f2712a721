package storage

import (
	"encoding/json"
	"errors"

	"nnetcore/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned returns the record header for the current schema and codec.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodePhaseReport(r model.PhaseReport) ([]byte, error) {
	return json.Marshal(r)
}

func DecodePhaseReport(data []byte) (model.PhaseReport, error) {
	var report model.PhaseReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.PhaseReport{}, err
	}
	if err := checkVersion(report.VersionedRecord); err != nil {
		return model.PhaseReport{}, err
	}
	return report, nil
}

func EncodeTotals(totals []model.ObjectiveTotals) ([]byte, error) {
	return json.Marshal(totals)
}

func DecodeTotals(data []byte) ([]model.ObjectiveTotals, error) {
	var totals []model.ObjectiveTotals
	if err := json.Unmarshal(data, &totals); err != nil {
		return nil, err
	}
	return totals, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
