package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// scanFlags scan/resolve 共用参数
type scanFlags struct {
	req         service.ScanRequest
	qualityFile string
	asJSON      bool
}

func (f *scanFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.req.Code, "code", "c", "", "scanned barcode")
	cmd.Flags().StringVarP(&f.req.Operation, "operation", "o", "", "operation name")
	cmd.Flags().StringVarP(&f.req.Employee, "employee", "e", "", "employee id")
	cmd.Flags().StringVar(&f.req.OrderNo, "order", "", "order number (disambiguates shared codes)")
	cmd.Flags().StringVar(&f.req.Position, "position", "", "order position")
	cmd.Flags().StringVar(&f.req.UnitID, "unit", "", "production unit id")
	cmd.Flags().StringVar(&f.req.ItemRecordRef, "item-record", "", "item record id")
	cmd.Flags().StringVarP(&f.qualityFile, "quality", "q", "", "quality data JSON file")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the raw result as JSON")
	cmd.MarkFlagRequired("code")
	cmd.MarkFlagRequired("operation")
	cmd.MarkFlagRequired("employee")
}

func (f *scanFlags) request() (service.ScanRequest, error) {
	req := f.req
	if f.qualityFile == "" {
		return req, nil
	}
	raw, err := os.ReadFile(f.qualityFile)
	if err != nil {
		return req, fmt.Errorf("read quality data: %w", err)
	}
	var qd entity.QualityData
	if err := json.Unmarshal(raw, &qd); err != nil {
		return req, fmt.Errorf("parse quality data: %w", err)
	}
	req.QualityData = &qd
	return req, nil
}

func scanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "处理一次扫码",
		Example: `  nimo-mes scan -c 4711-0001 -o Weld -e emp-042
  nimo-mes scan -c 4711-0001 -o Kalite -e emp-042 -q qc.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.services.Scan.Transition(cmd.Context(), req)
			return report(cmd.OutOrStdout(), res, err, f.asJSON)
		},
	}
	f.bind(cmd)
	return cmd
}

func resolveCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "补完前置工序后重新质检",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.services.Scan.ResolveAndRetry(cmd.Context(), req)
			return report(cmd.OutOrStdout(), res, err, f.asJSON)
		},
	}
	f.bind(cmd)
	return cmd
}

func report(w io.Writer, res *entity.Result, err error, asJSON bool) error {
	if asJSON && res != nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	}
	if res != nil {
		renderResult(w, res)
	}
	if err != nil {
		renderError(w, err)
	}
	return err
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.FgHiBlack)
)

func statusLabel(s entity.ResultStatus) string {
	label := strings.ToUpper(string(s))
	switch s {
	case entity.ResultCompleted:
		return okColor.Sprint(label)
	case entity.ResultInProgress:
		return color.New(color.FgCyan).Sprint(label)
	case entity.ResultOnHold:
		return warnColor.Sprint(label)
	default:
		return errColor.Sprint(label)
	}
}

func renderResult(w io.Writer, res *entity.Result) {
	fmt.Fprintf(w, "%s %s\n", statusLabel(res.Status), res.Message)
	if res.Operation != "" {
		fmt.Fprintf(w, "  operation: %s  instance: %s  unit: %s\n", res.Operation, res.InstanceID, res.UnitID)
	}
	if res.Committed {
		fmt.Fprintf(w, "  %s\n", okColor.Sprint("committed"))
	}
	list := func(title string, codes []string) {
		if len(codes) > 0 {
			fmt.Fprintf(w, "  %s: %s\n", title, strings.Join(codes, ", "))
		}
	}
	list("in progress", res.InProgressCodes)
	list("completed", res.CompletedCodes)
	list("corrections", res.CorrectionInstances)

	for _, op := range res.UnfinishedOperations {
		fmt.Fprintf(w, "  %s %s\n", warnColor.Sprint("unfinished"), op.Describe())
	}
	for _, op := range res.CompletedPreviousOperations {
		fmt.Fprintf(w, "  %s %s (%d codes)\n", okColor.Sprint("auto-completed"), op.Operation, len(op.CompletedCodes))
	}
	entries := func(label string, c *color.Color, items []entity.BatchEntry) {
		for _, e := range items {
			fmt.Fprintf(w, "  %s %s %s %s\n", c.Sprint(label), e.Operation, dimColor.Sprint(e.InstanceRef), e.Error)
		}
	}
	entries("failed on retry", errColor, res.FailedOnRetry)
	entries("already committed", dimColor, res.SkippedAlreadyCommitted)
	entries("missing", warnColor, res.SkippedMissing)
	entries("failed", errColor, res.Failed)
}

func renderError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s [%s] %v\n", errColor.Sprint("ERROR"), entity.Kind(err), err)
	var amb *entity.AmbiguousCodeError
	if errors.As(err, &amb) {
		for _, c := range amb.Candidates {
			fmt.Fprintf(w, "  candidate: %+v\n", c)
		}
	}
}
