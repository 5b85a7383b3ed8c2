// Package device defines the host-independent Bluetooth Low Energy model
// shared by the session layer and its backends.
//
// It provides:
//   - PeripheralID, the opaque comparable peripheral identity
//   - GATT value objects (Service, Characteristic, Descriptor)
//   - advertisement state (PeripheralProperties) and adapter events
//   - the Stack, Adapter and Peripheral interfaces a backend implements
//   - the Error taxonomy every failure is reported in
package device
