package catalog

import (
	"errors"
	"testing"
)

func TestDefaultCatalogLookup(test *testing.T) {
	test.Parallel()
	pkg, err := Default().Lookup(" p100 ")
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if pkg.Credits != 1200 || pkg.Currency != "usd" {
		test.Fatalf("unexpected package: %+v", pkg)
	}
	if _, err := Default().Lookup("p999"); !errors.Is(err, ErrUnknownPackage) {
		test.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
}

func TestNewRejectsInvalidPackages(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		packages []Package
	}{
		{name: "empty id", packages: []Package{{ID: " ", Credits: 1}}},
		{name: "zero credits", packages: []Package{{ID: "p1", Credits: 0}}},
		{name: "negative price", packages: []Package{{ID: "p1", Credits: 1, PriceMinor: -1}}},
		{name: "duplicate", packages: []Package{{ID: "p1", Credits: 1}, {ID: "p1", Credits: 2}}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := New(testCase.packages); err == nil {
				test.Fatalf("expected error")
			}
		})
	}
}

func TestPackagesSortedByID(test *testing.T) {
	test.Parallel()
	packages := Default().Packages()
	for index := 1; index < len(packages); index++ {
		if packages[index-1].ID >= packages[index].ID {
			test.Fatalf("packages not sorted: %v", packages)
		}
	}
}
