package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/models"
)

func TestByName(t *testing.T) {
	woo, err := ByName(models.PlatformWooCommerce)
	require.NoError(t, err)
	assert.Equal(t, "woocommerce", woo.Name())

	presta, err := ByName(models.PlatformPrestaShop)
	require.NoError(t, err)
	assert.Equal(t, "prestashop", presta.Name())

	_, err = ByName("magento")
	assert.Error(t, err)
}

func TestForCustomer(t *testing.T) {
	plat, err := ForCustomer(&models.Customer{Platform: models.PlatformWooCommerce})
	require.NoError(t, err)
	assert.Equal(t, "wordpress", plat.WebService())
	assert.Equal(t, "mariadb", plat.DBService())
}

func TestInstallArgs_ContainDomain(t *testing.T) {
	for _, name := range []string{models.PlatformWooCommerce, models.PlatformPrestaShop} {
		plat, err := ByName(name)
		require.NoError(t, err)

		args := strings.Join(plat.InstallArgs("shop.storehost.app"), " ")
		assert.Contains(t, args, "shop.storehost.app", "platform %s", name)
	}
}

func TestPlatformsAreDistinct(t *testing.T) {
	woo, _ := ByName(models.PlatformWooCommerce)
	presta, _ := ByName(models.PlatformPrestaShop)

	assert.NotEqual(t, woo.ComposeTemplate(), presta.ComposeTemplate())
	assert.NotEqual(t, woo.WebService(), presta.WebService())
	assert.NotEmpty(t, woo.AlreadyInstalledMarker())
	assert.NotEmpty(t, presta.AlreadyInstalledMarker())
	assert.NotEmpty(t, woo.HealthPath())
	assert.NotEmpty(t, presta.HealthPath())
}
