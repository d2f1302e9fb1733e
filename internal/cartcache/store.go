// Package cartcache реализует эфемерное хранилище корзин в Redis.
//
// Корзина не является источником истины: потеря записи означает лишь, что
// организация соберёт корзину заново. Авторитетная проверка остатков
// выполняется в транзакции оформления заказа.
package cartcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/foodrescue-system/internal/model"
)

// ErrCartNotFound возвращается, если корзина отсутствует в кэше или истекла.
var ErrCartNotFound = errors.New("cart not found")

const keyPrefix = "cart:"

// Store хранит рабочие корзины в Redis со скользящим сроком жизни.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	idle   time.Duration
}

// New создаёт хранилище корзин. ttl — жёсткий срок жизни записи,
// idle — порог неактивности, после которого рабочая корзина считается
// брошенной и удаляется фоновой очисткой.
func New(client *redis.Client, ttl, idle time.Duration) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		idle:   idle,
	}
}

// key строит ключ корзины. Пустой cartID означает рабочую (неименованную)
// корзину владельца.
func key(ownerID int64, cartID string) string {
	k := keyPrefix + strconv.FormatInt(ownerID, 10)
	if cartID != "" {
		k += ":" + cartID
	}
	return k
}

// Get возвращает корзину владельца и продлевает её срок жизни.
func (s *Store) Get(ctx context.Context, ownerID int64, cartID string) (*model.Cart, error) {
	data, err := s.client.GetEx(ctx, key(ownerID, cartID), s.ttl).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	var cart model.Cart
	if err := json.Unmarshal([]byte(data), &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}

	cart.LastAccessed = time.Now()
	if err := s.put(ctx, ownerID, &cart, cartID); err != nil {
		return nil, err
	}

	return &cart, nil
}

// Put сохраняет корзину владельца, обновляя отметку последнего обращения.
func (s *Store) Put(ctx context.Context, ownerID int64, cart *model.Cart, cartID string) error {
	cart.LastAccessed = time.Now()
	return s.put(ctx, ownerID, cart, cartID)
}

func (s *Store) put(ctx context.Context, ownerID int64, cart *model.Cart, cartID string) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	if err := s.client.Set(ctx, key(ownerID, cartID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set cart: %w", err)
	}

	return nil
}

// Delete удаляет корзину владельца из кэша.
func (s *Store) Delete(ctx context.Context, ownerID int64, cartID string) error {
	if err := s.client.Del(ctx, key(ownerID, cartID)).Err(); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}

// Sweep удаляет рабочие корзины, неактивные дольше порога idle. Именованные
// корзины (с cartID в ключе) не трогаем — их снимает жёсткий TTL.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("scan cart keys: %w", err)
	}

	removed := 0
	now := time.Now()

	for _, k := range keys {
		if isKeyedCart(k) {
			continue
		}

		data, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}

		var cart model.Cart
		if err := json.Unmarshal([]byte(data), &cart); err != nil {
			// Нечитаемая запись бесполезна, убираем сразу.
			_ = s.client.Del(ctx, k).Err()
			removed++
			continue
		}

		if now.Sub(cart.LastAccessed) > s.idle {
			if err := s.client.Del(ctx, k).Err(); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}

func isKeyedCart(k string) bool {
	colons := 0
	for _, ch := range k {
		if ch == ':' {
			colons++
		}
	}
	return colons > 1
}
