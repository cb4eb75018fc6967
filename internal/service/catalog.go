package service

// Built-in catalogs used when no catalog files are configured (dev mode
// and tests). Production deployments point catalogs.field_mapping_path
// and catalogs.resolution_rules_path at county-specific files.

const defaultCatalogYAML = `
entities:
  property:
    mappings:
      - source: parcel_id
        target: parcel_number
        transforms: [trim, uppercase]
      - source: situs_address
        target: address
        transforms: [trim]
      - source: situs_city
        target: city
        transforms: [trim, capitalize]
      - source: situs_state
        target: state
        transforms: [trim, uppercase]
        default: "XX"
      - source: acreage
        target: acreage
        transforms: [to_float]
      - source: yr_blt
        target: year_built
        transforms: [to_int]
  owner:
    mappings:
      - source: property_id
        target: property_id
        parent_ref: property
      - source: owner_name
        target: name
        transforms: [trim]
      - source: mail_address
        target: mailing_address
        transforms: [trim]
      - source: pct_ownership
        target: ownership_share
        transforms: [to_float]
        default: 1.0
  value:
    mappings:
      - source: property_id
        target: property_id
        parent_ref: property
      - source: land_val
        target: land_value
        transforms: [to_float]
      - source: imp_val
        target: improvement_value
        transforms: [to_float]
      - source: market_val
        target: market_value
        transforms: [to_float]
      - source: tax_year
        target: tax_year
        transforms: [to_int]
  structure:
    mappings:
      - source: property_id
        target: property_id
        parent_ref: property
      - source: struct_type
        target: structure_type
        transforms: [trim, lowercase]
      - source: sq_ft
        target: square_feet
        transforms: [to_float]
      - source: yr_blt
        target: year_built
        transforms: [to_int]
`

const defaultRulesYAML = `
classes:
  address: [address, city, state, mailing_address]
  valuation: [land_value, improvement_value, market_value]
  structural: [structure_type, square_feet, year_built]
rules:
  - entity: property
    field: parcel_number
    strategy: source_wins
  - entity: value
    field: tax_year
    strategy: target_wins
    overrides:
      - when: target_null
        strategy: source_wins
`
