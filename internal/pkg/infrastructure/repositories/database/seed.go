package database

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/pkg/types"
)

// Seed registers the modules listed in a semicolon separated file with the columns
//
//	moduleID;kind;typeComponents;cutoffRelay;triggers
//
// where typeComponents is a comma separated list and triggers is a comma separated
// list of field:CONDITION:threshold[:enabled]. Modules that already exist are left as is.
func (m *moduleRepository) Seed(ctx context.Context, reader io.Reader) error {
	r := csv.NewReader(reader)
	r.Comma = ';'

	rows, err := r.ReadAll()
	if err != nil {
		return err
	}

	records, err := getModulesFromRows(rows)
	if err != nil {
		return err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Msgf("loaded %d modules from file", len(records))

	for _, module := range records {
		err := m.Register(ctx, module)
		if errors.Is(err, ErrAlreadyExist) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("moduleID", module.ModuleID).Msg("could not seed module")
		}
	}

	return nil
}

func getModulesFromRows(rows [][]string) ([]types.Module, error) {
	var modules []types.Module
	seen := map[string]bool{}

	for i, row := range rows {
		if i == 0 {
			continue
		}

		if len(row) < 5 {
			return nil, fmt.Errorf("row %d: expected 5 columns, got %d", i, len(row))
		}

		moduleID := strings.TrimSpace(row[0])
		if moduleID == "" {
			return nil, fmt.Errorf("row %d: %w", i, ErrNoID)
		}
		if seen[moduleID] {
			return nil, fmt.Errorf("row %d: duplicate module id %s", i, moduleID)
		}
		seen[moduleID] = true

		isRelay, err := strconv.ParseBool(strings.TrimSpace(row[3]))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid cutoffRelay value %q", i, row[3])
		}

		rules, err := parseTriggers(row[4])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		modules = append(modules, types.Module{
			ModuleID:       moduleID,
			Kind:           strings.TrimSpace(row[1]),
			TypeComponents: splitList(row[2]),
			IsCutoffRelay:  isRelay,
			Triggers:       rules,
			Status:         types.StatusUnknown,
		})
	}

	return modules, nil
}

func parseTriggers(s string) (map[string]types.TriggerRule, error) {
	rules := map[string]types.TriggerRule{}

	for _, t := range splitList(s) {
		parts := strings.Split(t, ":")
		if len(parts) != 3 && len(parts) != 4 {
			return nil, fmt.Errorf("malformed trigger %q", t)
		}

		threshold, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("trigger %q has an invalid threshold", t)
		}

		enabled := true
		if len(parts) == 4 {
			enabled, err = strconv.ParseBool(parts[3])
			if err != nil {
				return nil, fmt.Errorf("trigger %q has an invalid enabled flag", t)
			}
		}

		rules[parts[0]] = types.TriggerRule{
			Enabled:   enabled,
			Condition: strings.ToUpper(parts[1]),
			Threshold: threshold,
		}
	}

	return rules, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
