// Package store keeps a user's product catalog in their public namespace
// and their shopping cart in the local root.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/session"
)

// ErrNoProduct is returned for unknown or deleted products.
var ErrNoProduct = errors.New("no such product")

// Product fields as stored under store/products/<id>.
var productFields = []string{"name", "description", "price", "location", "sub", "model"}

// Product is one catalog entry.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Location    string  `json:"location,omitempty"`
	Sub         string  `json:"sub,omitempty"`
	Model       string  `json:"model,omitempty"`
}

func (p Product) fields() map[string]any {
	return map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"price":       p.Price,
		"location":    p.Location,
		"sub":         p.Sub,
		"model":       p.Model,
	}
}

// Catalog reads any user's store and writes the session user's.
type Catalog struct {
	sess *session.Manager
}

// New returns a catalog bound to sess.
func New(sess *session.Manager) *Catalog {
	return &Catalog{sess: sess}
}

func (c *Catalog) products(pub []byte) (graph.Path, error) {
	root, err := c.sess.PublicRoot(pub)
	if err != nil {
		return graph.Path{}, err
	}
	return root.Get("store", "products"), nil
}

// AddProduct inserts p into the session user's store and returns its id.
func (c *Catalog) AddProduct(p Product) (string, error) {
	if p.Name == "" {
		return "", errors.New("product name is required")
	}
	products, err := c.products(nil)
	if err != nil {
		return "", err
	}
	member, err := products.Set(p.fields())
	if err != nil {
		return "", fmt.Errorf("add product: %w", err)
	}
	fields := member.Fields()
	return fields[len(fields)-1], nil
}

// UpdateProduct rewrites the fields of an existing product.
func (c *Catalog) UpdateProduct(p Product) error {
	products, err := c.products(nil)
	if err != nil {
		return err
	}
	if _, ok := products.Get(p.ID).Once().Node(); !ok {
		return fmt.Errorf("%w: %s", ErrNoProduct, p.ID)
	}
	return products.Get(p.ID).PutNode(p.fields())
}

// DeleteProduct tombstones the product reference. The product node itself
// stays, as every node does.
func (c *Catalog) DeleteProduct(id string) error {
	products, err := c.products(nil)
	if err != nil {
		return err
	}
	if _, ok := products.Get(id).Once().Node(); !ok {
		return fmt.Errorf("%w: %s", ErrNoProduct, id)
	}
	_, err = products.Get(id).Delete()
	return err
}

// Product reads one product from pub's store.
func (c *Catalog) Product(pub []byte, id string) (Product, error) {
	products, err := c.products(pub)
	if err != nil {
		return Product{}, err
	}
	return readProduct(products.Get(id), id)
}

func readProduct(p graph.Path, id string) (Product, error) {
	vals := p.Children()
	if vals == nil {
		return Product{}, fmt.Errorf("%w: %s", ErrNoProduct, id)
	}
	out := Product{ID: id}
	out.Name, _ = vals["name"].Str()
	out.Description, _ = vals["description"].Str()
	out.Price, _ = vals["price"].Num()
	out.Location, _ = vals["location"].Str()
	out.Sub, _ = vals["sub"].Str()
	out.Model, _ = vals["model"].Str()
	return out, nil
}

// Products lists pub's live products ordered by id, which is insertion
// order for ids made by AddProduct.
func (c *Catalog) Products(pub []byte) ([]Product, error) {
	products, err := c.products(pub)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for id, v := range products.Children() {
		if _, isRef := v.Soul(); isRef {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		if p, err := readProduct(products.Get(id), id); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// WatchProduct calls fn with the product whenever any of its fields or the
// product reference itself changes. found is false once it is deleted.
// The returned func cancels the watch.
func (c *Catalog) WatchProduct(pub []byte, id string, fn func(p Product, found bool)) (func(), error) {
	products, err := c.products(pub)
	if err != nil {
		return nil, err
	}
	path := products.Get(id)

	// deliveries run on the store dispatcher, one at a time
	var (
		mu   sync.Mutex
		last *Product
	)
	emit := func(graph.Resolution) {
		p, err := readProduct(path, id)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil && last == nil:
			return
		case err != nil:
			last = nil
			fn(Product{ID: id}, false)
		case last == nil || *last != p:
			last = &p
			fn(p, true)
		}
	}

	subs := []*graph.Subscription{path.On(emit)}
	for _, f := range productFields {
		subs = append(subs, path.Get(f).On(emit))
	}
	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}, nil
}

func cartPath(sess *session.Manager, storePub []byte, productID string) graph.Path {
	return sess.LocalRoot().Get("cart", crypto.EncodePublicKey(storePub), productID)
}

// AddToCart bumps the local cart count for a product of storePub's store
// and returns the new count.
func (c *Catalog) AddToCart(storePub []byte, productID string) (int, error) {
	p := cartPath(c.sess, storePub, productID)
	n, _ := p.Value().Num()
	if _, err := p.Put(n + 1); err != nil {
		return 0, fmt.Errorf("add to cart: %w", err)
	}
	return int(n) + 1, nil
}

// RemoveFromCart drops a product from the cart.
func (c *Catalog) RemoveFromCart(storePub []byte, productID string) error {
	_, err := cartPath(c.sess, storePub, productID).Delete()
	return err
}

// Cart returns product counts keyed by store key then product id.
func (c *Catalog) Cart() map[string]map[string]int {
	cart := c.sess.LocalRoot().Get("cart")
	out := make(map[string]map[string]int)
	for storeKey, v := range cart.Children() {
		if _, isRef := v.Soul(); !isRef {
			continue
		}
		items := make(map[string]int)
		for id, n := range cart.Get(storeKey).Children() {
			if count, ok := n.Num(); ok && count > 0 {
				items[id] = int(count)
			}
		}
		if len(items) > 0 {
			out[storeKey] = items
		}
	}
	return out
}
