package repository

// Интеграционные тесты репозитория. Выполняются против реальной БД,
// указанной в TEST_DATABASE_URI; без неё пропускаются.

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/foodrescue-system/internal/model"
)

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func seedDonation(t *testing.T, repo *PostgresRepository, quantity int) int64 {
	t.Helper()

	var id int64
	err := repo.pool.QueryRow(context.Background(),
		`INSERT INTO donations (donor_id, title, address, quantity, status)
		 VALUES (2, 'bread', '10 Bakery Lane', $1, 'AVAILABLE')
		 RETURNING id`,
		quantity,
	).Scan(&id)
	require.NoError(t, err)

	return id
}

func orderParams(lines ...OrderLineParams) CreateOrderParams {
	return CreateOrderParams{
		OwnerID:         7,
		CartID:          uuid.NewString(),
		Status:          model.OrderStatusPending,
		DeliveryAddress: "1 Shelter Road",
		Lines:           lines,
	}
}

func TestCreateOrderDecrementsQuantity(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	donationID := seedDonation(t, repo, 5)

	_, err := repo.CreateOrder(ctx, orderParams(
		OrderLineParams{DonationID: donationID, DonorID: 2, Quantity: 3},
	))
	require.NoError(t, err)

	d, err := repo.GetDonation(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Quantity)
	assert.Equal(t, model.DonationStatusAvailable, d.Status)

	_, err = repo.CreateOrder(ctx, orderParams(
		OrderLineParams{DonationID: donationID, DonorID: 2, Quantity: 2},
	))
	require.NoError(t, err)

	d, err = repo.GetDonation(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Quantity)
	assert.Equal(t, model.DonationStatusUnavailable, d.Status)
}

func TestCreateOrderOversellRollsBack(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	fullID := seedDonation(t, repo, 5)
	emptyID := seedDonation(t, repo, 0)

	params := orderParams(
		OrderLineParams{DonationID: fullID, DonorID: 2, Quantity: 3},
		OrderLineParams{DonationID: emptyID, DonorID: 2, Quantity: 1},
	)

	_, err := repo.CreateOrder(ctx, params)
	require.ErrorIs(t, err, ErrQuantityUnavailable)

	// Откат должен вернуть оба остатка в исходное состояние.
	full, err := repo.GetDonation(ctx, fullID)
	require.NoError(t, err)
	assert.Equal(t, 5, full.Quantity)
	assert.Equal(t, model.DonationStatusAvailable, full.Status)

	empty, err := repo.GetDonation(ctx, emptyID)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Quantity)

	// Заказ тоже не зафиксирован: тот же cart_id пригоден для новой попытки.
	params.Lines = params.Lines[:1]
	_, err = repo.CreateOrder(ctx, params)
	require.NoError(t, err)
}

func TestCreateOrderConcurrentNoOversell(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	donationID := seedDonation(t, repo, 1)

	var wg sync.WaitGroup
	results := make([]error, 2)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = repo.CreateOrder(ctx, orderParams(
				OrderLineParams{DonationID: donationID, DonorID: 2, Quantity: 1},
			))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrQuantityUnavailable)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one of the racing checkouts must win")

	d, err := repo.GetDonation(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Quantity)
	assert.Equal(t, model.DonationStatusUnavailable, d.Status)
}

func TestCreateOrderDuplicateCart(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	donationID := seedDonation(t, repo, 10)

	params := orderParams(
		OrderLineParams{DonationID: donationID, DonorID: 2, Quantity: 1},
	)

	_, err := repo.CreateOrder(ctx, params)
	require.NoError(t, err)

	_, err = repo.CreateOrder(ctx, params)
	require.ErrorIs(t, err, ErrCartAlreadyOrdered)

	// Повторная финализация не должна списывать остаток второй раз.
	d, err := repo.GetDonation(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, 9, d.Quantity)
}

func TestDeliveryLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	donationID := seedDonation(t, repo, 5)
	orderID, err := repo.CreateOrder(ctx, orderParams(
		OrderLineParams{DonationID: donationID, DonorID: 2, Quantity: 1},
	))
	require.NoError(t, err)

	// Первое назначение переводит заказ в работу.
	d, err := repo.UpsertDeliveryAssignment(ctx, orderID, 5)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusAssigned, d.Status)

	o, err := repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusInProgress, o.Status)

	// Переназначение меняет водителя, но не статус заказа.
	d, err = repo.UpsertDeliveryAssignment(ctx, orderID, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(6), d.DriverID)
	assert.Equal(t, model.DeliveryStatusAssigned, d.Status)

	o, err = repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusInProgress, o.Status)

	// Пропуск этапа запрещён.
	_, err = repo.UpdateDeliveryStatus(ctx, orderID, model.DeliveryStatusDelivered)
	require.ErrorIs(t, err, ErrInvalidTransition)

	d, err = repo.UpdateDeliveryStatus(ctx, orderID, model.DeliveryStatusPickedUp)
	require.NoError(t, err)
	require.NotNil(t, d.PickedUpAt)
	pickedUpAt := *d.PickedUpAt

	d, err = repo.UpdateDeliveryStatus(ctx, orderID, model.DeliveryStatusInTransit)
	require.NoError(t, err)
	require.NotNil(t, d.PickedUpAt)
	assert.True(t, d.PickedUpAt.Equal(pickedUpAt), "picked_up_at must be written once")

	d, err = repo.UpdateDeliveryStatus(ctx, orderID, model.DeliveryStatusDelivered)
	require.NoError(t, err)
	require.NotNil(t, d.DeliveredAt)
	assert.True(t, d.PickedUpAt.Equal(pickedUpAt), "picked_up_at must survive delivery")

	// Завершение доставки завершает заказ.
	o, err = repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, o.Status)

	// delivered — терминальный статус, а завершённый заказ не переназначается.
	_, err = repo.UpdateDeliveryStatus(ctx, orderID, model.DeliveryStatusPickedUp)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = repo.UpsertDeliveryAssignment(ctx, orderID, 7)
	require.ErrorIs(t, err, ErrOrderCompleted)
}

func TestDriverLocations(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	driverID := time.Now().UnixNano()

	require.NoError(t, repo.AppendDriverLocation(ctx, driverID, 55.70, 37.60))
	require.NoError(t, repo.AppendDriverLocation(ctx, driverID, 55.75, 37.62))

	loc, err := repo.GetLatestDriverLocation(ctx, driverID)
	require.NoError(t, err)
	assert.Equal(t, 55.75, loc.Lat)
	assert.Equal(t, 37.62, loc.Lng)

	_, err = repo.GetLatestDriverLocation(ctx, driverID+1)
	require.ErrorIs(t, err, ErrDriverLocationNotFound)
}
