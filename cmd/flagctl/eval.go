package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/hooks"
)

const (
	typeBool   = "bool"
	typeString = "string"
	typeInt    = "int"
	typeFloat  = "float"
	typeObject = "object"
)

var errEvaluationFailed = errors.New("flag evaluation failed")

type evalOptions struct {
	flagType     string
	defaultValue string
	targetingKey string
	attributes   []string
	validations  []string
	overrideFile string
	transaction  bool
	noCache      bool
}

// evalResult is the JSON form of one resolution.
type evalResult struct {
	FlagKey      string            `json:"flag_key"`
	Type         string            `json:"type"`
	Value        any               `json:"value"`
	Variant      string            `json:"variant,omitempty"`
	Reason       string            `json:"reason"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type ledgerEntry struct {
	Type          string `json:"type"`
	Value         any    `json:"value"`
	Variant       string `json:"variant,omitempty"`
	Reason        string `json:"reason"`
	WasOverridden bool   `json:"was_overridden"`
}

type transactionOutput struct {
	ID             string                 `json:"id"`
	OverriddenKeys []string               `json:"overridden_keys"`
	Evaluations    map[string]ledgerEntry `json:"evaluations"`
}

type evalOutput struct {
	Results     []evalResult       `json:"results"`
	Transaction *transactionOutput `json:"transaction,omitempty"`
}

func newEvalCommand(global *globalOptions) *cobra.Command {
	opts := &evalOptions{}

	cmd := &cobra.Command{
		Use:   "eval <flag-key> [flag-key...]",
		Short: "Evaluate flags and print the resolutions as JSON",
		Example: `  flagctl eval checkout --targeting-key user-1 --attr plan=pro
  flagctl eval banner --type string --default blue
  flagctl eval checkout checkout --override-file overrides.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, global, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.flagType, "type", "t", typeBool, "flag type: bool, string, int, float or object")
	cmd.Flags().StringVarP(&opts.defaultValue, "default", "d", "", "default value returned when evaluation fails")
	cmd.Flags().StringVarP(&opts.targetingKey, "targeting-key", "k", "", "targeting key of the evaluation context")
	cmd.Flags().StringArrayVarP(&opts.attributes, "attr", "a", nil, "context attribute as key=value; JSON values are decoded")
	cmd.Flags().StringArrayVar(&opts.validations, "validate", nil, "context validation as attribute=tag, e.g. plan=required,oneof=free pro")
	cmd.Flags().StringVar(&opts.overrideFile, "override-file", "", "YAML map of flag key to override value; implies --transaction")
	cmd.Flags().BoolVar(&opts.transaction, "transaction", false, "evaluate inside a transaction and print its ledger")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "re-resolve repeated keys inside the transaction; implies --transaction")

	return cmd
}

func runEval(cmd *cobra.Command, global *globalOptions, opts *evalOptions, keys []string) error {
	defaultValue, err := parseDefault(opts.flagType, opts.defaultValue)
	if err != nil {
		return err
	}
	evalCtx, err := parseContext(opts.targetingKey, opts.attributes)
	if err != nil {
		return err
	}
	validations, err := parsePairs(opts.validations)
	if err != nil {
		return fmt.Errorf("parse --validate: %w", err)
	}
	var overrides map[string]any
	if opts.overrideFile != "" {
		if overrides, err = loadOverrides(opts.overrideFile); err != nil {
			return err
		}
	}

	rt, err := global.setup(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close()

	clientHooks := []flageval.Hook{hooks.Tracing(rt.tracer), hooks.Logging(rt.logger)}
	if len(validations) > 0 {
		clientHooks = append(clientHooks, hooks.Validation(validations))
	}

	client, closeClient, err := openClient(cmd.Context(), rt, providerOptions{}, clientHooks...)
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Timeout)
	defer cancel()

	evaluateAll := func(ctx context.Context) ([]evalResult, error) {
		results := make([]evalResult, 0, len(keys))
		var errs []error
		for _, key := range keys {
			result, err := evaluateFlag(ctx, client, key, opts.flagType, defaultValue, flageval.WithInvocationContext(evalCtx))
			results = append(results, result)
			if err != nil {
				errs = append(errs, err)
			}
		}
		return results, errors.Join(errs...)
	}

	var out evalOutput
	var evalErr error
	if opts.transaction || opts.noCache || overrides != nil {
		var results []evalResult
		txResult, err := client.Transaction(ctx, flageval.TransactionOptions{
			Overrides:    overrides,
			DisableCache: opts.noCache,
		}, func(ctx context.Context) error {
			var err error
			results, err = evaluateAll(ctx)
			return err
		})
		out.Results = results
		out.Transaction = ledgerOf(txResult)
		evalErr = err
	} else {
		out.Results, evalErr = evaluateAll(ctx)
	}

	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if evalErr != nil {
		return fmt.Errorf("%w: %w", errEvaluationFailed, evalErr)
	}
	return nil
}

func evaluateFlag(ctx context.Context, client *flageval.Client, key, flagType string, defaultValue any, opts ...flageval.EvalOption) (evalResult, error) {
	switch flagType {
	case typeBool:
		res, err := client.BooleanDetails(ctx, key, defaultValue.(bool), opts...)
		return resultOf(flagType, res), err
	case typeString:
		res, err := client.StringDetails(ctx, key, defaultValue.(string), opts...)
		return resultOf(flagType, res), err
	case typeInt:
		res, err := client.Int64Details(ctx, key, defaultValue.(int64), opts...)
		return resultOf(flagType, res), err
	case typeFloat:
		res, err := client.FloatDetails(ctx, key, defaultValue.(float64), opts...)
		return resultOf(flagType, res), err
	case typeObject:
		res, err := client.ObjectDetails(ctx, key, defaultValue.(map[string]any), opts...)
		return resultOf(flagType, res), err
	default:
		return evalResult{}, fmt.Errorf("unknown flag type %q", flagType)
	}
}

func resultOf[T any](flagType string, res flageval.FlagResolution[T]) evalResult {
	return evalResult{
		FlagKey:      res.FlagKey,
		Type:         flagType,
		Value:        res.Value,
		Variant:      res.Variant,
		Reason:       string(res.Reason),
		ErrorCode:    string(res.ErrorCode),
		ErrorMessage: res.ErrorMessage,
		Metadata:     res.Metadata,
	}
}

func ledgerOf[A any](result flageval.TransactionResult[A]) *transactionOutput {
	if result.ID == "" {
		return nil
	}
	out := &transactionOutput{
		ID:             result.ID,
		OverriddenKeys: result.OverriddenKeys,
		Evaluations:    make(map[string]ledgerEntry, len(result.Evaluations)),
	}
	for key, evaluation := range result.Evaluations {
		out.Evaluations[key] = ledgerEntry{
			Type:          evaluation.Type,
			Value:         evaluation.Value,
			Variant:       evaluation.Resolution.Variant,
			Reason:        string(evaluation.Resolution.Reason),
			WasOverridden: evaluation.WasOverridden,
		}
	}
	return out
}

// parseDefault converts the --default text into the Go type of flagType.
func parseDefault(flagType, raw string) (any, error) {
	switch flagType {
	case typeBool:
		if raw == "" {
			return false, nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parse bool default %q: %w", raw, err)
		}
		return v, nil
	case typeString:
		return raw, nil
	case typeInt:
		if raw == "" {
			return int64(0), nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse int default %q: %w", raw, err)
		}
		return v, nil
	case typeFloat:
		if raw == "" {
			return float64(0), nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse float default %q: %w", raw, err)
		}
		return v, nil
	case typeObject:
		v := map[string]any{}
		if raw == "" {
			return v, nil
		}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parse object default: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown flag type %q", flagType)
	}
}

// parseContext builds the invocation context from --attr pairs. Integers
// stay integers, other JSON literals are decoded, and anything else is kept
// as a string.
func parseContext(targetingKey string, pairs []string) (flageval.EvaluationContext, error) {
	raw, err := parsePairs(pairs)
	if err != nil {
		return flageval.EvaluationContext{}, fmt.Errorf("parse --attr: %w", err)
	}
	attributes := make(map[string]any, len(raw))
	for key, text := range raw {
		attributes[key] = attributeValue(text)
	}
	return flageval.ContextFromMap(targetingKey, attributes)
}

func attributeValue(text string) any {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil && decoded != nil {
		return decoded
	}
	return text
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

func loadOverrides(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read override file: %w", err)
	}
	overrides := map[string]any{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse override file: %w", err)
	}
	return overrides, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
