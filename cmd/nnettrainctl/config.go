package main

import (
	"encoding/json"
	"fmt"
	"os"

	"nnetcore/pkg/nnetcore"
)

func loadOrDefaultRunRequest(path string) (nnetcore.RunRequest, error) {
	if path == "" {
		return nnetcore.RunRequest{}, nil
	}
	return loadRunRequestFromConfig(path)
}

func loadRunRequestFromConfig(path string) (nnetcore.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nnetcore.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nnetcore.RunRequest{}, err
	}

	var req nnetcore.RunRequest
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["task"]); ok {
		req.Task = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["minibatches"]); ok {
		req.Minibatches = v
	}
	if v, ok := asInt(raw["minibatch_size"]); ok {
		req.MinibatchSize = v
	}
	if v, ok := asBool(raw["compress"]); ok {
		req.Compress = v
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		req.LearningRate = v
	}
	if v, ok := asFloat64(raw["init_scale"]); ok {
		req.InitScale = v
	}

	// nested "trainer" block mirrors training.Config
	trainer := raw
	if nested, ok := raw["trainer"].(map[string]any); ok {
		trainer = nested
	}
	if v, ok := asFloat64(trainer["momentum"]); ok {
		req.Momentum = v
	}
	if v, ok := asFloat64(trainer["max_param_change"]); ok {
		req.MaxParamChange = &v
	}
	if v, ok := asInt(trainer["print_interval"]); ok {
		req.PrintInterval = v
	}
	if v, ok := asBool(trainer["store_component_stats"]); ok {
		req.StoreComponentStats = &v
	}
	if v, ok := asBool(trainer["zero_component_stats"]); ok {
		req.ZeroComponentStats = &v
	}

	perturb := raw
	if nested, ok := raw["perturb"].(map[string]any); ok {
		perturb = nested
	}
	if v, ok := asFloat64(perturb["perturb_proportion"]); ok {
		req.PerturbProportion = v
	} else if v, ok := asFloat64(perturb["proportion"]); ok {
		req.PerturbProportion = v
	}
	if v, ok := asFloat64(perturb["epsilon"]); ok {
		req.Epsilon = v
	}
	if v, ok := asString(perturb["minibatch_size_input"]); ok {
		req.MinibatchSizeInput = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// overrideFromFlags applies explicitly set flags on top of a config file.
func overrideFromFlags(req *nnetcore.RunRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			req.RunID = v.(string)
		case "task":
			req.Task = v.(string)
		case "seed":
			req.Seed = v.(int64)
		case "minibatches":
			req.Minibatches = v.(int)
		case "minibatch-size":
			req.MinibatchSize = v.(int)
		case "compress":
			req.Compress = v.(bool)
		case "learning-rate":
			req.LearningRate = v.(float64)
		case "init-scale":
			req.InitScale = v.(float64)
		case "momentum":
			req.Momentum = v.(float64)
		case "max-param-change":
			value := v.(float64)
			req.MaxParamChange = &value
		case "print-interval":
			req.PrintInterval = v.(int)
		case "store-component-stats":
			value := v.(bool)
			req.StoreComponentStats = &value
		case "zero-component-stats":
			value := v.(bool)
			req.ZeroComponentStats = &value
		case "perturb-proportion":
			req.PerturbProportion = v.(float64)
		case "epsilon":
			req.Epsilon = v.(float64)
		case "minibatch-size-input":
			req.MinibatchSizeInput = v.(string)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}
