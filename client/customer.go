package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"
)

// Customer enums are passed through as the API spells them, e.g.
// CUSTOMER_TITLE_MS or CUSTOMER_GENDER_FEMALE.
type (
	CustomerTitle         string
	CustomerGender        string
	CustomerContactMethod string
	CustomerAccessibility string
)

const (
	CustomerTitleUnknown         CustomerTitle         = "CUSTOMER_TITLE_UNKNOWN"
	CustomerGenderUnknown        CustomerGender        = "CUSTOMER_GENDER_UNKNOWN"
	CustomerContactMethodNone    CustomerContactMethod = "CUSTOMER_CONTACT_METHOD_NONE"
	CustomerAccessibilityUnknown CustomerAccessibility = "CUSTOMER_ACCESSIBILITY_UNKNOWN"
)

// DateOfBirthLayout is the wire format of CustomerDetails.DOB.
const DateOfBirthLayout = "2006-01-02"

// CustomerDetails is the personal data held for a customer.
type CustomerDetails struct {
	Title               CustomerTitle         `json:"title,omitempty"`
	FirstName           string                `json:"first_name,omitempty"`
	MiddleName          string                `json:"middle_name,omitempty"`
	LastName            string                `json:"last_name,omitempty"`
	DOB                 string                `json:"dob,omitempty"`
	Gender              CustomerGender        `json:"gender,omitempty"`
	Nationality         string                `json:"nationality,omitempty"`
	EmailAddress        string                `json:"email_address,omitempty"`
	MobilePhoneNumber   string                `json:"mobile_phone_number,omitempty"`
	HomePhoneNumber     string                `json:"home_phone_number,omitempty"`
	BusinessPhoneNumber string                `json:"business_phone_number,omitempty"`
	ContactMethod       CustomerContactMethod `json:"contact_method,omitempty"`
	CountryOfResidence  string                `json:"country_of_residence,omitempty"`
	CountryOfTaxation   string                `json:"country_of_taxation,omitempty"`
	Accessibility       CustomerAccessibility `json:"accessibility,omitempty"`
}

// DateOfBirth parses DOB. It returns nil when DOB is empty or malformed.
func (d CustomerDetails) DateOfBirth() *time.Time {
	if len(d.DOB) < len(DateOfBirthLayout) {
		return nil
	}
	t, err := time.Parse(DateOfBirthLayout, d.DOB[:len(DateOfBirthLayout)])
	if err != nil {
		return nil
	}
	return &t
}

// Customer is a customer of the bank.
type Customer struct {
	ID                string            `json:"id"`
	Details           CustomerDetails   `json:"customer_details"`
	AdditionalDetails map[string]string `json:"additional_details"`
}

func (c *Customer) fillDefaults() {
	if c.Details.Title == "" {
		c.Details.Title = CustomerTitleUnknown
	}
	if c.Details.Gender == "" {
		c.Details.Gender = CustomerGenderUnknown
	}
	if c.Details.ContactMethod == "" {
		c.Details.ContactMethod = CustomerContactMethodNone
	}
	if c.Details.Accessibility == "" {
		c.Details.Accessibility = CustomerAccessibilityUnknown
	}
	if c.AdditionalDetails == nil {
		c.AdditionalDetails = map[string]string{}
	}
}

const (
	customersPath         = "/v1/customers"
	batchGetCustomersPath = "/v1/customers:batchGet"
	emailIdentifierType   = "IDENTIFIER_TYPE_EMAIL"
)

// CustomersAPI reads and writes customers on the core API.
type CustomersAPI struct {
	requester Requester
	logger    *slog.Logger
}

// NewCustomersAPI creates a CustomersAPI. A nil logger discards.
func NewCustomersAPI(requester Requester, logger *slog.Logger) *CustomersAPI {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &CustomersAPI{requester: requester, logger: logger}
}

// GetCustomer fetches one customer.
func (a *CustomersAPI) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	if err := a.requester.Get(ctx, customersPath+"/"+url.PathEscape(id), nil, &c); err != nil {
		return nil, err
	}
	c.fillDefaults()
	return &c, nil
}

// GetCustomers fetches customers by id. Ids unknown to the server are absent
// from the result.
func (a *CustomersAPI) GetCustomers(ctx context.Context, ids []string) (map[string]Customer, error) {
	params := url.Values{}
	for _, id := range ids {
		params.Add("ids", id)
	}
	var resp struct {
		Customers map[string]Customer `json:"customers"`
	}
	if err := a.requester.Get(ctx, batchGetCustomersPath, params, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]Customer, len(resp.Customers))
	for id, c := range resp.Customers {
		c.fillDefaults()
		out[id] = c
	}
	return out, nil
}

// NewCustomer holds the fields for CreateCustomer. An empty ID lets Vault
// assign one. A set email address is also registered as an identifier.
type NewCustomer struct {
	ID                string
	Details           CustomerDetails
	AdditionalDetails map[string]string
}

// CreateCustomer creates a customer and returns it as stored.
func (a *CustomersAPI) CreateCustomer(ctx context.Context, n NewCustomer) (*Customer, error) {
	details := n.Details
	if details.ContactMethod == "" {
		details.ContactMethod = CustomerContactMethodNone
	}

	customer := map[string]any{
		"customer_details": details,
		"identifiers":      emailIdentifiers(details.EmailAddress),
	}
	if n.ID != "" {
		customer["id"] = n.ID
	}
	if n.AdditionalDetails != nil {
		customer["additional_details"] = n.AdditionalDetails
	}

	var created Customer
	if err := a.requester.Post(ctx, customersPath, map[string]any{"customer": customer}, &created); err != nil {
		return nil, err
	}
	created.fillDefaults()
	a.logger.Debug("customer created", "id", created.ID)
	return &created, nil
}

// CustomerUpdate lists the changes for UpdateCustomer. Empty detail fields
// are left as they are.
type CustomerUpdate struct {
	Details                   CustomerDetails
	AdditionalDetailsToUpsert map[string]string
	AdditionalDetailsToRemove []string
}

// UpdateCustomer applies u to a customer and returns it as stored afterwards.
// Additional details and customer details are separate requests; an update
// with no changes only reads the customer.
func (a *CustomersAPI) UpdateCustomer(ctx context.Context, id string, u CustomerUpdate) (*Customer, error) {
	var updated *Customer

	if len(u.AdditionalDetailsToUpsert) > 0 || len(u.AdditionalDetailsToRemove) > 0 {
		body := map[string]any{"id": id}
		if len(u.AdditionalDetailsToUpsert) > 0 {
			body["items_to_add"] = u.AdditionalDetailsToUpsert
		}
		if len(u.AdditionalDetailsToRemove) > 0 {
			body["items_to_remove"] = u.AdditionalDetailsToRemove
		}
		var c Customer
		path := fmt.Sprintf("%s/%s:updateAdditionalDetails", customersPath, url.PathEscape(id))
		if err := a.requester.Put(ctx, path, body, &c); err != nil {
			return nil, err
		}
		updated = &c
	}

	if details, paths := detailsUpdateMask(u.Details); len(paths) > 0 {
		customer := map[string]any{"customer_details": details}
		if u.Details.EmailAddress != "" {
			customer["identifiers"] = emailIdentifiers(u.Details.EmailAddress)
			paths = append([]string{"identifiers"}, paths...)
		}
		body := map[string]any{
			"customer":    customer,
			"update_mask": map[string]any{"paths": paths},
		}
		var c Customer
		if err := a.requester.Put(ctx, customersPath+"/"+url.PathEscape(id), body, &c); err != nil {
			return nil, err
		}
		updated = &c
	}

	if updated == nil {
		return a.GetCustomer(ctx, id)
	}
	updated.fillDefaults()
	a.logger.Debug("customer updated", "id", id)
	return updated, nil
}

// detailsUpdateMask returns the set fields of d and their update mask paths.
func detailsUpdateMask(d CustomerDetails) (map[string]string, []string) {
	fields := []struct {
		name  string
		value string
	}{
		{"email_address", d.EmailAddress},
		{"title", string(d.Title)},
		{"first_name", d.FirstName},
		{"middle_name", d.MiddleName},
		{"last_name", d.LastName},
		{"dob", d.DOB},
		{"gender", string(d.Gender)},
		{"nationality", d.Nationality},
		{"mobile_phone_number", d.MobilePhoneNumber},
		{"home_phone_number", d.HomePhoneNumber},
		{"business_phone_number", d.BusinessPhoneNumber},
		{"contact_method", string(d.ContactMethod)},
		{"country_of_residence", d.CountryOfResidence},
		{"country_of_taxation", d.CountryOfTaxation},
		{"accessibility", string(d.Accessibility)},
	}

	set := map[string]string{}
	var paths []string
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		set[f.name] = f.value
		paths = append(paths, "customer_details."+f.name)
	}
	return set, paths
}

func emailIdentifiers(email string) []map[string]string {
	if email == "" {
		return []map[string]string{}
	}
	return []map[string]string{{
		"identifier_type": emailIdentifierType,
		"identifier":      email,
	}}
}
