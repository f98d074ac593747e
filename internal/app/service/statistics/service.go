package statistics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/types"
)

type StatisticType string

const (
	// Consumption events
	StatisticTypeDailyConsumptionCount   StatisticType = "daily_consumption_count"
	StatisticTypeDailyCreditsByFeature   StatisticType = "daily_credits_by_feature"
	StatisticTypeTotalCreditsConsumed    StatisticType = "total_credits_consumed"
	StatisticTypeAccumulatedCreditsDaily StatisticType = "daily_accumulated_credits"

	// Subscriptions
	StatisticTypeActiveSubscriptionsByPlan StatisticType = "active_subscriptions_by_plan"
	StatisticTypeDailyNewSubscriptionCount StatisticType = "daily_new_subscription_count"
)

var ErrInvalidRequest = errors.New("invalid statistic request")

var consumptionStats = []StatisticType{
	StatisticTypeDailyConsumptionCount,
	StatisticTypeDailyCreditsByFeature,
	StatisticTypeTotalCreditsConsumed,
	StatisticTypeAccumulatedCreditsDaily,
}

var subscriptionStats = []StatisticType{
	StatisticTypeActiveSubscriptionsByPlan,
	StatisticTypeDailyNewSubscriptionCount,
}

// validFilters maps each filterable column to the statistics whose source
// table has it.
var validFilters = map[string][]StatisticType{
	"user_id":   append(append([]StatisticType{}, consumptionStats...), subscriptionStats...),
	"feature":   consumptionStats,
	"amount":    consumptionStats,
	"timestamp": consumptionStats,
	"plan":      subscriptionStats,
}

type UsageStatisticDataItem struct {
	ID StatisticType `json:"id"`
}

type UsageStatisticRequest struct {
	Filters   []*types.CommonFilter     `json:"filters"`
	DataItems []*UsageStatisticDataItem `json:"data_items"`
}

// Validate rejects unknown statistics and filters on columns no statistic has.
func (r *UsageStatisticRequest) Validate() error {
	if r == nil || len(r.DataItems) == 0 {
		return fmt.Errorf("%w: no data items", ErrInvalidRequest)
	}
	for _, di := range r.DataItems {
		if di == nil || !(lo.Contains(consumptionStats, di.ID) || lo.Contains(subscriptionStats, di.ID)) {
			return fmt.Errorf("%w: invalid data item id", ErrInvalidRequest)
		}
	}
	if err := types.CommonFilters(r.Filters).Validate(lo.Keys(validFilters)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// FiltersFor keeps the filters that apply to statisticType.
func (r *UsageStatisticRequest) FiltersFor(statisticType StatisticType) types.CommonFilters {
	return lo.Filter(r.Filters, func(f *types.CommonFilter, _ int) bool {
		return lo.Contains(validFilters[f.Field], statisticType)
	})
}

type UsageStatisticResponseDataItem struct {
	Date  string `json:"date,omitempty"`
	Label string `json:"label,omitempty"`
	Value int64  `json:"value"`
}

type UsageStatisticResponse struct {
	DataItems map[StatisticType][]UsageStatisticResponseDataItem `json:"data_items"`
}

// Service aggregates consumption events and subscriptions for the admin API.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

var Module = fx.Options(
	fx.Provide(New),
)

func where(filters types.CommonFilters) clause.Where {
	return clause.Where{Exprs: []clause.Expression{filters}}
}

const dayOfConsumption = `TO_CHAR("timestamp" AT TIME ZONE 'UTC', 'YYYY-MM-DD')`

func (s *Service) getDailyConsumptionCount(ctx context.Context, filters types.CommonFilters) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table(models.CreditConsumption{}.TableName()).
		Select(dayOfConsumption + " as date, count(*) as value").
		Where(where(filters)).
		Group(dayOfConsumption).
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyCreditsByFeature(ctx context.Context, filters types.CommonFilters) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table(models.CreditConsumption{}.TableName()).
		Select(dayOfConsumption + " as date, feature as label, sum(amount) as value").
		Where(where(filters)).
		Group(dayOfConsumption).
		Group("feature").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true}).
		Order("label")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getTotalCreditsConsumed(ctx context.Context, filters types.CommonFilters) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table(models.CreditConsumption{}.TableName()).
		Select("COALESCE(sum(amount), 0) as value").
		Where(where(filters))
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// getAccumulatedCreditsDaily is the running total of credits per day.
func (s *Service) getAccumulatedCreditsDaily(ctx context.Context, filters types.CommonFilters) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	daily := s.db.WithContext(ctx).Table(models.CreditConsumption{}.TableName()).
		Select(dayOfConsumption + " as date, sum(amount) as value").
		Where(where(filters)).
		Group(dayOfConsumption)
	err := s.db.WithContext(ctx).
		Table("(?) as daily", daily).
		Select("date, SUM(value) OVER (ORDER BY date) as value").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true}).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptionsByPlan(ctx context.Context, filters types.CommonFilters) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table(models.Subscription{}.TableName()).
		Select("plan as label, count(*) as value").
		Where(where(filters)).
		Where("status = ?", types.SubscriptionStatusActive).
		Group("plan").
		Order("label")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptionCount(ctx context.Context, filters types.CommonFilters) ([]UsageStatisticResponseDataItem, error) {
	var results []UsageStatisticResponseDataItem
	day := `TO_CHAR(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')`
	q := s.db.WithContext(ctx).Table(models.Subscription{}.TableName()).
		Select(day + " as date, count(DISTINCT user_id) as value").
		Where(where(filters)).
		Group(day).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getUsageStatistic(ctx context.Context, request *UsageStatisticRequest, dataItem *UsageStatisticDataItem) ([]UsageStatisticResponseDataItem, error) {
	filters := request.FiltersFor(dataItem.ID)
	switch dataItem.ID {
	case StatisticTypeDailyConsumptionCount:
		return s.getDailyConsumptionCount(ctx, filters)
	case StatisticTypeDailyCreditsByFeature:
		return s.getDailyCreditsByFeature(ctx, filters)
	case StatisticTypeTotalCreditsConsumed:
		return s.getTotalCreditsConsumed(ctx, filters)
	case StatisticTypeAccumulatedCreditsDaily:
		return s.getAccumulatedCreditsDaily(ctx, filters)
	case StatisticTypeActiveSubscriptionsByPlan:
		return s.getActiveSubscriptionsByPlan(ctx, filters)
	case StatisticTypeDailyNewSubscriptionCount:
		return s.getDailyNewSubscriptionCount(ctx, filters)
	default:
		return nil, fmt.Errorf("%w: invalid data item id: %s", ErrInvalidRequest, dataItem.ID)
	}
}

// GetUsageStatistic computes every requested data item concurrently.
func (s *Service) GetUsageStatistic(ctx context.Context, request *UsageStatisticRequest) (*UsageStatisticResponse, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	errChan := make(chan error, len(request.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []UsageStatisticResponseDataItem], len(request.DataItems))

	for _, item := range request.DataItems {
		wg.Add(1)
		go func(di *UsageStatisticDataItem) {
			defer wg.Done()
			res, err := s.getUsageStatistic(ctx, request, di)
			if err != nil {
				errChan <- fmt.Errorf("%s: %w", di.ID, err)
				return
			}
			resChan <- &lo.Entry[StatisticType, []UsageStatisticResponseDataItem]{Key: di.ID, Value: res}
		}(item)
	}

	go func() { wg.Wait(); close(errChan); close(resChan) }()

	results := make(map[StatisticType][]UsageStatisticResponseDataItem)
	for i := 0; i < len(request.DataItems); i++ {
		select {
		case err := <-errChan:
			if err != nil {
				return nil, err
			}
		case entry := <-resChan:
			results[entry.Key] = entry.Value
		}
	}
	return &UsageStatisticResponse{DataItems: results}, nil
}
