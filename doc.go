// Package eebus holds the address vocabulary and domain enums shared by the
// ship and spine packages: the (device, entity-path, feature) address
// triple, device/entity/feature type enums, and the SKI identity type.
// It carries no behavior of its own — every operation lives in a
// subpackage, the way the teacher's root package holds plain records.
package eebus
