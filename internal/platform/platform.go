package platform

import (
	"fmt"

	"fleet-orchestrator/internal/models"
)

// Platform captures the store-type-specific details of a tenant stack:
// compose template, database container naming, install commands and file
// ownership. There is exactly one implementation per supported store type;
// it is selected once per customer and threaded explicitly.
type Platform interface {
	Name() string
	ComposeTemplate() string
	WebService() string
	DBService() string
	DBName() string
	DBUserEnv() string
	DBPasswordEnv() string
	// InstallArgs returns the argv executed inside the web container to
	// run the platform installer for the given domain.
	InstallArgs(domain string) []string
	// AlreadyInstalledMarker is a substring of installer output that means
	// the platform is already installed and the step can be skipped.
	AlreadyInstalledMarker() string
	// FileOwner is the uid:gid the tenant file tree must belong to.
	FileOwner() string
	// HealthPath is the HTTP path probed to decide the store is serving.
	HealthPath() string
}

// ForCustomer resolves the platform variant for a customer record
func ForCustomer(customer *models.Customer) (Platform, error) {
	return ByName(customer.Platform)
}

// ByName resolves a platform by its persisted marker
func ByName(name string) (Platform, error) {
	switch name {
	case models.PlatformWooCommerce:
		return WooCommerce{}, nil
	case models.PlatformPrestaShop:
		return PrestaShop{}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", name)
	}
}

// WooCommerce is the WordPress + WooCommerce stack
type WooCommerce struct{}

func (WooCommerce) Name() string            { return models.PlatformWooCommerce }
func (WooCommerce) ComposeTemplate() string { return "woocommerce.yml.tmpl" }
func (WooCommerce) WebService() string      { return "wordpress" }
func (WooCommerce) DBService() string       { return "mariadb" }
func (WooCommerce) DBName() string          { return "wordpress" }
func (WooCommerce) DBUserEnv() string       { return "WORDPRESS_DB_USER" }
func (WooCommerce) DBPasswordEnv() string   { return "WORDPRESS_DB_PASSWORD" }

func (WooCommerce) InstallArgs(domain string) []string {
	return []string{"wp", "core", "install",
		"--url=https://" + domain,
		"--skip-email",
		"--allow-root",
	}
}

func (WooCommerce) AlreadyInstalledMarker() string { return "WordPress is already installed" }
func (WooCommerce) FileOwner() string              { return "33:33" }
func (WooCommerce) HealthPath() string             { return "/wp-login.php" }

// PrestaShop is the PrestaShop stack
type PrestaShop struct{}

func (PrestaShop) Name() string            { return models.PlatformPrestaShop }
func (PrestaShop) ComposeTemplate() string { return "prestashop.yml.tmpl" }
func (PrestaShop) WebService() string      { return "prestashop" }
func (PrestaShop) DBService() string       { return "mysql" }
func (PrestaShop) DBName() string          { return "prestashop" }
func (PrestaShop) DBUserEnv() string       { return "DB_USER" }
func (PrestaShop) DBPasswordEnv() string   { return "DB_PASSWD" }

func (PrestaShop) InstallArgs(domain string) []string {
	return []string{"php", "install/index_cli.php",
		"--domain=" + domain,
		"--ssl=1",
	}
}

func (PrestaShop) AlreadyInstalledMarker() string { return "already installed" }
func (PrestaShop) FileOwner() string              { return "www-data:www-data" }
func (PrestaShop) HealthPath() string             { return "/" }
