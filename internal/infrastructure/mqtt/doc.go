// Package mqtt publishes ingester health and reading summaries over MQTT.
//
// The connection is optional and publish-only. Every process owns a
// retained status topic:
//
//	<prefix>/<client_id>/status   {"state":"running","client_id":...,"timestamp":...}
//
// The broker publishes "offline" there through the Last Will if the process
// dies, and Close publishes a graceful "offline". When reading summaries are
// enabled they go to <prefix>/<device_id>/reading without the retain flag.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishRetained(client.Topics().Status(client.ClientID()), payload)
package mqtt
