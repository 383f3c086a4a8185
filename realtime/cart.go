package realtime

import (
	"github.com/golang/glog"
)

const StoreKeyCart = "cart"

type Product struct {
	Id    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type CartItem struct {
	ProductId string  `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type CartState struct {
	Items []*CartItem
	// sum of price * quantity over items
	Total float64
	// sum of quantity over items
	Count int
}

type CartSubscribeFunction func(state *CartState)

// CartStore is the sole writer of the "cart" slice. `Total` and `Count` are
// recomputed from the items on every mutation.
type CartStore struct {
	store *Store
}

func NewCartStore(store *Store) *CartStore {
	cartStore := &CartStore{
		store: store,
	}
	store.Set(StoreKeyCart, &CartState{
		Items: []*CartItem{},
	})
	return cartStore
}

func (self *CartStore) State() *CartState {
	if value, ok := self.store.Get(StoreKeyCart); ok {
		if state, ok := value.(*CartState); ok {
			return state
		}
	}
	return &CartState{
		Items: []*CartItem{},
	}
}

func (self *CartStore) Subscribe(callback CartSubscribeFunction) func() {
	return self.store.Subscribe(StoreKeyCart, func(newValue any, oldValue any) {
		state, ok := newValue.(*CartState)
		if !ok {
			state = &CartState{
				Items: []*CartItem{},
			}
		}
		callback(state)
	})
}

// adding a product already in the cart merges quantities
func (self *CartStore) Add(product *Product, quantity int) {
	if quantity <= 0 {
		return
	}
	items := self.State().Items
	next := make([]*CartItem, 0, len(items)+1)
	merged := false
	for _, item := range items {
		if item.ProductId == product.Id {
			mergedItem := *item
			mergedItem.Quantity += quantity
			next = append(next, &mergedItem)
			merged = true
		} else {
			next = append(next, item)
		}
	}
	if !merged {
		next = append(next, &CartItem{
			ProductId: product.Id,
			Name:      product.Name,
			Price:     product.Price,
			Quantity:  quantity,
		})
	}
	self.apply(next)
	glog.V(1).Infof("[cart]add %s x%d\n", product.Id, quantity)
}

func (self *CartStore) Remove(productId string) {
	items := self.State().Items
	next := make([]*CartItem, 0, len(items))
	for _, item := range items {
		if item.ProductId != productId {
			next = append(next, item)
		}
	}
	self.apply(next)
}

// a quantity of zero or below removes the item
func (self *CartStore) UpdateQuantity(productId string, quantity int) {
	if quantity <= 0 {
		self.Remove(productId)
		return
	}
	items := self.State().Items
	next := make([]*CartItem, 0, len(items))
	for _, item := range items {
		if item.ProductId == productId {
			updated := *item
			updated.Quantity = quantity
			next = append(next, &updated)
		} else {
			next = append(next, item)
		}
	}
	self.apply(next)
}

func (self *CartStore) Set(items []*CartItem) {
	next := make([]*CartItem, 0, len(items))
	next = append(next, items...)
	self.apply(next)
}

func (self *CartStore) apply(items []*CartItem) {
	total := float64(0)
	count := 0
	for _, item := range items {
		total += item.Price * float64(item.Quantity)
		count += item.Quantity
	}
	self.store.Set(StoreKeyCart, &CartState{
		Items: items,
		Total: total,
		Count: count,
	})
}
