package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"invoice-harvester/internal/models"
	"invoice-harvester/internal/retry"
)

// Download strategies, in the order they are tried
const (
	StrategyDownloadEvent = "download-event"
	StrategyNewTab        = "new-tab"
	StrategyInPageFetch   = "in-page-fetch"
	StrategyHTTPFetch     = "http-fetch"
)

// downloadInvoice runs the strategy chain for one invoice row. Only a file
// that passes verification ends the chain.
func (p *Processor) downloadInvoice(ctx context.Context, run *orderRun, row int, dest string) (models.DownloadResult, error) {
	if p.overBudget(run) {
		return models.DownloadResult{}, ErrBudgetExceeded
	}

	budgetCtx, cancel := p.budgetContext(ctx, run)
	defer cancel()

	result, err := retry.TryStrategiesInOrder(budgetCtx, run.logger, p.strategies(run, row, dest))
	if err == nil {
		return result.Value, nil
	}

	if p.overBudget(run) || (budgetCtx.Err() != nil && ctx.Err() == nil) {
		run.out.TimedOut = true
		return models.DownloadResult{}, ErrBudgetExceeded
	}
	return models.DownloadResult{}, err
}

func (p *Processor) budgetContext(ctx context.Context, run *orderRun) (context.Context, context.CancelFunc) {
	if p.opts.ProcessingBudget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.remaining(run))
}

func (p *Processor) strategies(run *orderRun, row int, dest string) []retry.Strategy[models.DownloadResult] {
	orderNumber := run.order.OrderNumber

	strategies := []retry.Strategy[models.DownloadResult]{
		{
			Name: StrategyDownloadEvent,
			Run: func(ctx context.Context) (models.DownloadResult, error) {
				path, err := p.driver.DownloadFromRow(ctx, row, dest, p.opts.DownloadTimeout)
				if err != nil {
					return models.DownloadResult{}, &models.DownloadError{Strategy: StrategyDownloadEvent, OrderNumber: orderNumber, Err: err}
				}
				return p.verify(run, StrategyDownloadEvent, path)
			},
		},
		{
			Name: StrategyNewTab,
			Run: func(ctx context.Context) (models.DownloadResult, error) {
				if result, ok := p.forceClick(ctx, run, row, dest); ok {
					return result, nil
				}
				path, err := p.driver.DownloadViaNewTab(ctx, row, dest, p.opts.DownloadTimeout)
				if err != nil {
					return models.DownloadResult{}, &models.DownloadError{Strategy: StrategyNewTab, OrderNumber: orderNumber, Err: err}
				}
				return p.verify(run, StrategyNewTab, path)
			},
		},
		{
			Name: StrategyInPageFetch,
			Run: func(ctx context.Context) (models.DownloadResult, error) {
				url, err := p.driver.FindDocumentAPIURL(ctx)
				if err != nil {
					return models.DownloadResult{}, &models.DownloadError{Strategy: StrategyInPageFetch, OrderNumber: orderNumber, Err: err}
				}
				data, err := p.driver.FetchInPage(ctx, url)
				if err != nil {
					return models.DownloadResult{}, &models.DownloadError{Strategy: StrategyInPageFetch, OrderNumber: orderNumber, Err: err}
				}
				return p.persist(run, StrategyInPageFetch, dest, data)
			},
		},
	}

	if p.fetcher != nil {
		strategies = append(strategies, retry.Strategy[models.DownloadResult]{
			Name: StrategyHTTPFetch,
			Run: func(ctx context.Context) (models.DownloadResult, error) {
				url, err := p.driver.FindDocumentAPIURL(ctx)
				if err != nil {
					return models.DownloadResult{}, &models.DownloadError{Strategy: StrategyHTTPFetch, OrderNumber: orderNumber, Err: err}
				}
				cookies, err := p.driver.Cookies(ctx)
				if err != nil {
					return models.DownloadResult{}, &models.DownloadError{Strategy: StrategyHTTPFetch, OrderNumber: orderNumber, Err: err}
				}
				data, err := p.fetcher.FetchDocument(ctx, url, cookies)
				if err != nil {
					return models.DownloadResult{}, &models.DownloadError{Strategy: StrategyHTTPFetch, OrderNumber: orderNumber, Err: err}
				}
				return p.persist(run, StrategyHTTPFetch, dest, data)
			},
		})
	}

	return strategies
}

// forceClick nudges the download button from a script. Its download only
// ends the strategy when it verifies; a misfire is flagged and the new tab
// is tried next.
func (p *Processor) forceClick(ctx context.Context, run *orderRun, row int, dest string) (models.DownloadResult, bool) {
	path, err := p.driver.ForceClickDownload(ctx, row, dest)
	if err != nil {
		run.logger.Debug("Force click produced no download", zap.Error(err))
		return models.DownloadResult{}, false
	}
	result, err := p.verify(run, StrategyNewTab, path)
	return result, err == nil
}

// persist writes fetched bytes to dest and verifies them
func (p *Processor) persist(run *orderRun, strategy, dest string, data []byte) (models.DownloadResult, error) {
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return models.DownloadResult{}, &models.DownloadError{
			Strategy:    strategy,
			OrderNumber: run.order.OrderNumber,
			Err:         fmt.Errorf("failed to save document: %w", err),
		}
	}
	return p.verify(run, strategy, dest)
}

func (p *Processor) verify(run *orderRun, strategy, path string) (models.DownloadResult, error) {
	result, err := p.verifier.Verify(path)
	result.Strategy = strategy
	if err == nil && !result.Verified() {
		err = fmt.Errorf("%s: %w", filepath.Base(path), ErrUnverified)
	}
	if err != nil {
		run.logger.Warn("Downloaded file rejected",
			zap.String("strategy", strategy),
			zap.String("path", result.Path),
			zap.Error(err))
		return result, &models.DownloadError{Strategy: strategy, OrderNumber: run.order.OrderNumber, Err: err}
	}
	return result, nil
}
