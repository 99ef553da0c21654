package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownPackage is returned when a package id is not in the catalog.
var ErrUnknownPackage = errors.New("unknown package")

// Package is a purchasable bundle of credits.
type Package struct {
	ID         string
	Name       string
	Credits    int64
	PriceMinor int64
	Currency   string
}

// Catalog resolves package ids to packages. It is immutable after construction.
type Catalog struct {
	packages map[string]Package
}

// Default returns the packages offered on the pricing page.
func Default() *Catalog {
	catalog, err := New([]Package{
		{ID: "p100", Name: "Starter", Credits: 1200, PriceMinor: 1000, Currency: "usd"},
		{ID: "p250", Name: "Standard", Credits: 3250, PriceMinor: 2500, Currency: "usd"},
		{ID: "p500", Name: "Pro", Credits: 7000, PriceMinor: 5000, Currency: "usd"},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}

// New validates and indexes packages.
func New(packages []Package) (*Catalog, error) {
	indexed := make(map[string]Package, len(packages))
	for _, pkg := range packages {
		id := strings.TrimSpace(pkg.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: package id is required")
		}
		if pkg.Credits <= 0 {
			return nil, fmt.Errorf("catalog: package %s must grant credits", id)
		}
		if pkg.PriceMinor < 0 {
			return nil, fmt.Errorf("catalog: package %s has a negative price", id)
		}
		if _, exists := indexed[id]; exists {
			return nil, fmt.Errorf("catalog: duplicate package %s", id)
		}
		pkg.ID = id
		pkg.Currency = strings.ToLower(strings.TrimSpace(pkg.Currency))
		indexed[id] = pkg
	}
	return &Catalog{packages: indexed}, nil
}

// Lookup returns the package with the given id.
func (catalog *Catalog) Lookup(packageID string) (Package, error) {
	pkg, ok := catalog.packages[strings.TrimSpace(packageID)]
	if !ok {
		return Package{}, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	return pkg, nil
}

// Packages lists the catalog ordered by id.
func (catalog *Catalog) Packages() []Package {
	result := make([]Package, 0, len(catalog.packages))
	for _, pkg := range catalog.packages {
		result = append(result, pkg)
	}
	sort.Slice(result, func(left, right int) bool { return result[left].ID < result[right].ID })
	return result
}
