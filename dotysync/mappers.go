package dotysync

import (
	"context"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"gorm.io/gorm"
)

// internallyManagedCustomerFields are never overwritten from provider data.
var internallyManagedCustomerFields = map[string]bool{
	"receivable_account_code": true,
}

func externalId(id int64) string {
	return strconv.FormatInt(id, 10)
}

func customerDisplayName(payload *dotyCustomer) string {
	if name := strings.TrimSpace(payload.CompanyName); name != "" {
		return name
	}
	name := strings.TrimSpace(strings.TrimSpace(payload.FirstName) + " " + strings.TrimSpace(payload.LastName))
	return name
}

func customerStreet(payload *dotyCustomer) string {
	street := strings.TrimSpace(payload.Street)
	house := strings.TrimSpace(payload.HouseNumber)
	if street == "" {
		return house
	}
	if house == "" {
		return street
	}
	return street + " " + house
}

// upsertCustomer resolves the provider customer to an internal row: mapping
// first, then natural key (email, phone), then create. Only changed fields
// are written, and internally managed fields are left alone.
func upsertCustomer(ctx context.Context, db *gorm.DB, cfg *models.SyncConfig, payload *dotyCustomer) (*models.Customer, error) {
	extId := externalId(payload.Id)
	if payload.Id == 0 {
		return nil, &MappingError{EntityType: models.EntityTypeCustomer, ExternalId: extId, Reason: "missing id"}
	}
	name := customerDisplayName(payload)
	if name == "" {
		return nil, &MappingError{EntityType: models.EntityTypeCustomer, ExternalId: extId, Reason: "customer has no name"}
	}

	var customer *models.Customer
	mapping, err := models.FindMapping(ctx, db, cfg.ID, models.EntityTypeCustomer, extId)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		internalId, convErr := strconv.ParseUint(mapping.InternalId, 10, 64)
		if convErr != nil {
			return nil, &MappingError{EntityType: models.EntityTypeCustomer, ExternalId: extId, Reason: "corrupt mapping internal id"}
		}
		customer, err = models.GetCustomer(ctx, db, cfg.ID, uint(internalId))
		if err != nil {
			return nil, err
		}
	} else {
		customer, err = models.FindCustomerByNaturalKey(ctx, db, cfg.ID, payload.Email, firstNonEmpty(payload.Phone, payload.Mobile))
		if err != nil {
			return nil, err
		}
	}

	if customer == nil {
		customer = &models.Customer{
			ConfigId:    cfg.ID,
			Name:        name,
			CompanyName: strings.TrimSpace(payload.CompanyName),
			Email:       strings.TrimSpace(payload.Email),
			Phone:       utils.NormalizePhone(payload.Phone),
			Mobile:      utils.NormalizePhone(payload.Mobile),
			Street:      customerStreet(payload),
			City:        strings.TrimSpace(payload.City),
			Zip:         strings.TrimSpace(payload.Zip),
			CountryCode: strings.ToUpper(strings.TrimSpace(payload.CountryCode)),
			TaxId:       strings.TrimSpace(payload.TaxId),
			Notes:       payload.Note,
			IsWalkIn:    utils.NewFalse(),
			IsActive:    utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(customer).Error; err != nil {
			return nil, err
		}
	} else {
		updates := map[string]interface{}{}
		mergeField(updates, "name", customer.Name, name)
		mergeField(updates, "company_name", customer.CompanyName, strings.TrimSpace(payload.CompanyName))
		mergeField(updates, "email", customer.Email, strings.TrimSpace(payload.Email))
		mergeField(updates, "phone", customer.Phone, utils.NormalizePhone(payload.Phone))
		mergeField(updates, "mobile", customer.Mobile, utils.NormalizePhone(payload.Mobile))
		mergeField(updates, "street", customer.Street, customerStreet(payload))
		mergeField(updates, "city", customer.City, strings.TrimSpace(payload.City))
		mergeField(updates, "zip", customer.Zip, strings.TrimSpace(payload.Zip))
		mergeField(updates, "country_code", customer.CountryCode, strings.ToUpper(strings.TrimSpace(payload.CountryCode)))
		mergeField(updates, "tax_id", customer.TaxId, strings.TrimSpace(payload.TaxId))
		mergeField(updates, "notes", customer.Notes, payload.Note)
		for field := range updates {
			if internallyManagedCustomerFields[field] {
				delete(updates, field)
			}
		}
		if len(updates) > 0 {
			if err := db.WithContext(ctx).Model(&models.Customer{}).
				Where("id = ?", customer.ID).Updates(updates).Error; err != nil {
				return nil, err
			}
		}
	}

	if mapping == nil {
		if _, err := models.CreateMapping(ctx, db, cfg.ID, models.EntityTypeCustomer, extId, strconv.FormatUint(uint64(customer.ID), 10)); err != nil {
			return nil, err
		}
	}
	if err := models.TouchMapping(ctx, db, cfg.ID, models.EntityTypeCustomer, extId, strconv.FormatUint(uint64(customer.ID), 10), payload.UpdatedAt); err != nil {
		return nil, err
	}
	return customer, nil
}

// upsertProduct resolves the provider product: mapping, then SKU, then
// barcode, then create.
func upsertProduct(ctx context.Context, db *gorm.DB, cfg *models.SyncConfig, payload *dotyProduct) (*models.Product, error) {
	extId := externalId(payload.Id)
	if payload.Id == 0 {
		return nil, &MappingError{EntityType: models.EntityTypeProduct, ExternalId: extId, Reason: "missing id"}
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		return nil, &MappingError{EntityType: models.EntityTypeProduct, ExternalId: extId, Reason: "product has no name"}
	}

	var product *models.Product
	mapping, err := models.FindMapping(ctx, db, cfg.ID, models.EntityTypeProduct, extId)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		internalId, convErr := strconv.ParseUint(mapping.InternalId, 10, 64)
		if convErr != nil {
			return nil, &MappingError{EntityType: models.EntityTypeProduct, ExternalId: extId, Reason: "corrupt mapping internal id"}
		}
		product, err = models.GetProduct(ctx, db, cfg.ID, uint(internalId))
		if err != nil {
			return nil, err
		}
	} else {
		product, err = models.FindProductByNaturalKey(ctx, db, cfg.ID, strings.TrimSpace(payload.Sku), strings.TrimSpace(payload.Barcode))
		if err != nil {
			return nil, err
		}
	}

	active := utils.DereferencePtr(payload.Active, true)
	if product == nil {
		product = &models.Product{
			ConfigId:      cfg.ID,
			Name:          name,
			SKU:           strings.TrimSpace(payload.Sku),
			Barcode:       strings.TrimSpace(payload.Barcode),
			Description:   payload.Description,
			SalesPrice:    payload.PriceWithVat,
			PurchasePrice: payload.PurchasePrice,
			IsActive:      &active,
		}
		if err := db.WithContext(ctx).Create(product).Error; err != nil {
			return nil, err
		}
	} else {
		updates := map[string]interface{}{}
		mergeField(updates, "name", product.Name, name)
		mergeField(updates, "sku", product.SKU, strings.TrimSpace(payload.Sku))
		mergeField(updates, "barcode", product.Barcode, strings.TrimSpace(payload.Barcode))
		mergeField(updates, "description", product.Description, payload.Description)
		if !product.SalesPrice.Equal(payload.PriceWithVat) {
			updates["sales_price"] = payload.PriceWithVat
		}
		if !product.PurchasePrice.Equal(payload.PurchasePrice) {
			updates["purchase_price"] = payload.PurchasePrice
		}
		if utils.DereferencePtr(product.IsActive, true) != active {
			updates["is_active"] = active
		}
		if len(updates) > 0 {
			if err := db.WithContext(ctx).Model(&models.Product{}).
				Where("id = ?", product.ID).Updates(updates).Error; err != nil {
				return nil, err
			}
		}
	}

	if mapping == nil {
		if _, err := models.CreateMapping(ctx, db, cfg.ID, models.EntityTypeProduct, extId, strconv.FormatUint(uint64(product.ID), 10)); err != nil {
			return nil, err
		}
	}
	if err := models.TouchMapping(ctx, db, cfg.ID, models.EntityTypeProduct, extId, strconv.FormatUint(uint64(product.ID), 10), payload.UpdatedAt); err != nil {
		return nil, err
	}
	return product, nil
}

// mergeField stages an update only when the incoming value is non-empty and
// differs from what is stored. Empty provider fields never blank out data.
func mergeField(updates map[string]interface{}, column string, current string, incoming string) {
	if incoming == "" || incoming == current {
		return
	}
	updates[column] = incoming
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// determineFulfillment classifies an order for the status filter. Matches
// are case-insensitive substring checks in priority order: takeaway beats
// delivery beats dine-in signals, and anything unrecognizable counts as
// on-site so it is never silently dropped.
func determineFulfillment(order *dotyOrder) string {
	typ := strings.ToLower(order.Type)
	method := strings.ToLower(order.DeliveryMethod)
	if strings.Contains(typ, "takeaway") || strings.Contains(method, "takeaway") || strings.Contains(method, "pickup") {
		return models.FulfillmentTakeaway
	}
	if strings.Contains(typ, "delivery") || strings.Contains(method, "delivery") {
		return models.FulfillmentDelivery
	}
	if order.TableName != "" || strings.Contains(strings.ToLower(order.Location), "dine") {
		return models.FulfillmentOnSite
	}
	return models.FulfillmentOnSite
}
